package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/quote"
)

// Estimate is what an order would cost or raise if it filled at Price.
// Total is notional plus fee for buys and notional less fee for sells.
type Estimate struct {
	Symbol     string          `json:"symbol"`
	Side       account.Side    `json:"side"`
	Kind       account.Kind    `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Notional   decimal.Decimal `json:"notional"`
	Fee        decimal.Decimal `json:"fee"`
	Total      decimal.Decimal `json:"total"`
	Available  decimal.Decimal `json:"available"` // cash for buys, quantity for sells
	Sufficient bool            `json:"sufficient"`
}

// Estimate validates req and prices it without creating anything. Market
// orders are priced at the cached quote, every other kind at its limit or
// trigger price.
func (e *Engine) Estimate(user string, req OrderRequest) (Estimate, error) {
	if err := e.validate(&req); err != nil {
		return Estimate{}, err
	}

	px := req.Price.Decimal
	if req.Kind == account.Market {
		var q quote.Quote
		ok := false
		if e.quotes != nil {
			q, ok = e.quotes.Get(req.Symbol)
		}
		if !ok {
			return Estimate{}, fmt.Errorf("%w: %s", quote.ErrNoQuote, req.Symbol)
		}
		px = q.Price
	}

	notional := px.Mul(req.Quantity)
	est := Estimate{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Price:    px,
		Notional: notional,
		Fee:      e.commission.Fee(notional),
	}

	err := e.accounts.View(user, func(l *account.Ledger) error {
		if req.Side == account.Buy {
			est.Total = notional.Add(est.Fee)
			est.Available = l.Account.AvailableCash()
			est.Sufficient = est.Available.GreaterThanOrEqual(est.Total)
			return nil
		}
		est.Total = notional.Sub(est.Fee)
		est.Available = l.Account.AvailableQty(req.Symbol)
		est.Sufficient = est.Available.GreaterThanOrEqual(req.Quantity)
		return nil
	})
	return est, err
}

// ExitPosition sells the whole unreserved quantity of symbol. kind must be
// market or limit; a limit exit needs a price.
func (e *Engine) ExitPosition(user, symbol string, kind account.Kind, price decimal.NullDecimal) (account.Order, error) {
	if kind != account.Market && kind != account.Limit {
		return account.Order{}, fmt.Errorf("%w: exit must be market or limit", ErrInvalidKind)
	}

	symbol = market.NormalizeSymbol(symbol)
	acc, err := e.accounts.Account(user)
	if err != nil {
		return account.Order{}, err
	}
	qty := acc.AvailableQty(symbol)
	if !qty.IsPositive() {
		return account.Order{}, fmt.Errorf("%w: nothing available to sell in %s", ErrInsufficientPosition, symbol)
	}

	return e.Submit(user, OrderRequest{
		Symbol:   symbol,
		Side:     account.Sell,
		Kind:     kind,
		Quantity: qty,
		Price:    price,
	})
}
