package account

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill records the single execution of an order
type Fill struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"` // non-zero only for sells
	Timestamp   time.Time       `json:"timestamp"`

	// Seq is the fill's position in the user's history, starting at 1.
	// Trade timestamps can arrive out of order across feeds; Seq cannot.
	Seq uint64 `json:"seq"`
}

// Notional is price × quantity, before fees
func (f Fill) Notional() decimal.Decimal { return f.Price.Mul(f.Quantity) }

// CashDelta is the signed change in cash caused by the fill
func (f Fill) CashDelta() decimal.Decimal {
	if f.Side == Buy {
		return f.Notional().Add(f.Fee).Neg()
	}
	return f.Notional().Sub(f.Fee)
}

// Position is a long holding in one symbol. A position that goes flat keeps
// its record (and realized P&L) for history.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// Apply folds a fill into the position and returns the realized P&L of the
// fill: zero for buys, (price - avg cost) × qty for sells.
//
// Buys move the average cost: (q·avg + q'·p) / (q + q'). Sells leave it as is.
func (p *Position) Apply(side Side, qty, price decimal.Decimal) decimal.Decimal {
	if side == Buy {
		total := p.Quantity.Add(qty)
		if total.IsPositive() {
			p.AvgCost = p.Quantity.Mul(p.AvgCost).Add(qty.Mul(price)).Div(total)
		}
		p.Quantity = total
		return decimal.Zero
	}

	realized := price.Sub(p.AvgCost).Mul(qty)
	p.Quantity = p.Quantity.Sub(qty)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}

// MarketValue at the given price
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// UnrealizedPnL = quantity × (price - avg cost)
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.AvgCost).Mul(p.Quantity)
}

// Rebuild replays fills (oldest first) into positions keyed by symbol
func Rebuild(fills []Fill) map[string]*Position {
	out := make(map[string]*Position)
	for _, f := range fills {
		pos, ok := out[f.Symbol]
		if !ok {
			pos = &Position{Symbol: f.Symbol}
			out[f.Symbol] = pos
		}
		pos.Apply(f.Side, f.Quantity, f.Price)
	}
	return out
}

// Account is a user's virtual cash and holdings.
// Cash is settled cash; Reserved* amounts are held for pending orders.
type Account struct {
	UserID       string                     `json:"userId"`
	Cash         decimal.Decimal            `json:"cash"`
	Deposits     decimal.Decimal            `json:"deposits"` // starting cash plus later deposits
	ReservedCash decimal.Decimal            `json:"reservedCash"`
	ReservedQty  map[string]decimal.Decimal `json:"reservedQty"`
	Positions    map[string]*Position       `json:"positions"`
	CreatedAt    time.Time                  `json:"createdAt"`
}

func NewAccount(user string, startingCash decimal.Decimal, now time.Time) *Account {
	return &Account{
		UserID:      user,
		Cash:        startingCash,
		Deposits:    startingCash,
		ReservedQty: make(map[string]decimal.Decimal),
		Positions:   make(map[string]*Position),
		CreatedAt:   now,
	}
}

// AvailableCash is cash not reserved by pending buys
func (a *Account) AvailableCash() decimal.Decimal {
	return a.Cash.Sub(a.ReservedCash)
}

// AvailableQty is the held quantity not reserved by pending sells
func (a *Account) AvailableQty(symbol string) decimal.Decimal {
	held := decimal.Zero
	if p, ok := a.Positions[symbol]; ok {
		held = p.Quantity
	}
	return held.Sub(a.ReservedQty[symbol])
}

// Position returns the position for symbol, creating an empty one
func (a *Account) Position(symbol string) *Position {
	p, ok := a.Positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		a.Positions[symbol] = p
	}
	return p
}

// Clone returns a deep copy safe to hand out of the user lock
func (a *Account) Clone() Account {
	c := *a
	c.ReservedQty = make(map[string]decimal.Decimal, len(a.ReservedQty))
	for k, v := range a.ReservedQty {
		c.ReservedQty[k] = v
	}
	c.Positions = make(map[string]*Position, len(a.Positions))
	for k, v := range a.Positions {
		p := *v
		c.Positions[k] = &p
	}
	return c
}

func (a *Account) ensureMaps() {
	if a.ReservedQty == nil {
		a.ReservedQty = make(map[string]decimal.Decimal)
	}
	if a.Positions == nil {
		a.Positions = make(map[string]*Position)
	}
}

// EquityPoint is one sample of a user's total portfolio value
type EquityPoint struct {
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}
