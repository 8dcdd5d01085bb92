package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/quote"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// QuoteInfo is the public view of a cached quote
type QuoteInfo struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds of the trade
	Source    string          `json:"source"`
	AgeMs     int64           `json:"ageMs"` // time since the quote was fetched
	Stale     bool            `json:"stale"`
}

func newQuoteInfo(q quote.Quote, now time.Time) QuoteInfo {
	return QuoteInfo{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Size:      q.Size,
		Timestamp: q.Timestamp.UnixMilli(),
		Source:    q.Source,
		AgeMs:     now.Sub(q.FetchedAt).Milliseconds(),
		Stale:     q.Stale,
	}
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"` // "buy" or "sell"
	Kind          string           `json:"kind"` // "market", "limit", "stop", "take_profit", "stop_limit"
	TIF           string           `json:"tif"`  // "gtc", "day", "ioc" or "fok"
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`     // unset for market orders
	StopPrice     *decimal.Decimal `json:"stopPrice,omitempty"` // stop_limit only
	Triggered     bool             `json:"triggered,omitempty"`
	Status        string           `json:"status"`          // "pending", "filled", "cancelled", "rejected"
	Reason        string           `json:"reason,omitempty"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	FillPrice     *decimal.Decimal `json:"fillPrice,omitempty"`
	CreatedAt     int64            `json:"createdAt"` // Unix milliseconds
	UpdatedAt     int64            `json:"updatedAt"`
	ExpiresAt     int64            `json:"expiresAt,omitempty"`
}

func newOrderInfo(o account.Order) OrderInfo {
	info := OrderInfo{
		ID:            o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Kind:          o.Kind.String(),
		TIF:           o.TIF.String(),
		Quantity:      o.Quantity,
		Status:        o.Status.String(),
		Reason:        o.Reason,
		ClientOrderID: o.ClientOrderID,
		CreatedAt:     o.CreatedAt.UnixMilli(),
		UpdatedAt:     o.UpdatedAt.UnixMilli(),
	}
	if o.Kind != account.Market {
		p := o.Price
		info.Price = &p
	}
	if o.Kind == account.StopLimit {
		sp := o.StopPrice
		info.StopPrice = &sp
		info.Triggered = o.Triggered
	}
	if o.Status == account.Filled {
		fp := o.FillPrice
		info.FillPrice = &fp
	}
	if !o.ExpiresAt.IsZero() {
		info.ExpiresAt = o.ExpiresAt.UnixMilli()
	}
	return info
}

func newOrderInfos(orders []account.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = newOrderInfo(o)
	}
	return out
}

// FillInfo represents one execution
type FillInfo struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Timestamp   int64           `json:"timestamp"` // Unix milliseconds
}

func newFillInfo(f account.Fill) FillInfo {
	return FillInfo{
		ID:          f.ID,
		OrderID:     f.OrderID,
		Symbol:      f.Symbol,
		Side:        f.Side.String(),
		Price:       f.Price,
		Quantity:    f.Quantity,
		Fee:         f.Fee,
		RealizedPnL: f.RealizedPnL,
		Timestamp:   f.Timestamp.UnixMilli(),
	}
}

// ==============================
// WebSocket Message Types
// ==============================

// WSControl is sent by the client to change its subscription set
type WSControl struct {
	Action  string   `json:"action"`  // "subscribe", "unsubscribe" or "ping"
	Symbols []string `json:"symbols"` // e.g., ["AAPL", "BTCUSDT"]
}

// WSConnected greets a new session
type WSConnected struct {
	Type         string `json:"type"` // "connected"
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// WSAck confirms a subscription change; Type is "subscribed", "unsubscribed" or "pong"
type WSAck struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// TradeUpdate is pushed for every tick on a subscribed symbol
type TradeUpdate struct {
	Type      string  `json:"type"` // "trade"
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Timestamp int64   `json:"timestamp"` // Unix milliseconds
	Source    string  `json:"source"`
}

func newTradeUpdate(t market.Tick) TradeUpdate {
	return TradeUpdate{
		Type:      "trade",
		Symbol:    t.Symbol,
		Price:     t.Price.InexactFloat64(),
		Size:      t.Size.InexactFloat64(),
		Timestamp: t.Timestamp.UnixMilli(),
		Source:    t.Source,
	}
}

// OrderUpdate is pushed to the owner's sessions when an order changes state
type OrderUpdate struct {
	Type  string    `json:"type"`  // "order"
	Event string    `json:"event"` // "accepted", "filled", "cancelled", "rejected"
	Order OrderInfo `json:"order"`
	Fill  *FillInfo `json:"fill,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Symbol        string              `json:"symbol"`
	Side          string              `json:"side"`
	Kind          string              `json:"kind"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	StopPrice     decimal.NullDecimal `json:"stopPrice"`
	TIF           string              `json:"tif,omitempty"`
	ClientOrderID string              `json:"clientOrderId,omitempty"`
}

// ExitPositionRequest is the optional payload for POST /api/v1/positions/{symbol}/exit.
// An empty body exits at market.
type ExitPositionRequest struct {
	Kind  string              `json:"kind,omitempty"` // "market" or "limit"
	Price decimal.NullDecimal `json:"price"`
}

// ExitPositionResponse reports the closing order
type ExitPositionResponse struct {
	Order          OrderInfo        `json:"order"`
	ClosedQuantity decimal.Decimal  `json:"closedQuantity"`
	Proceeds       *decimal.Decimal `json:"proceeds,omitempty"` // set when the order filled
}

// EstimateResponse is returned by POST /api/v1/orders/validate
type EstimateResponse struct {
	Valid      bool            `json:"valid"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Kind       string          `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Notional   decimal.Decimal `json:"notional"`
	Fee        decimal.Decimal `json:"fee"`
	Total      decimal.Decimal `json:"total"`
	Available  decimal.Decimal `json:"available"`
	Sufficient bool            `json:"sufficient"`
}

// HistoryPoint is one sample of GET /api/v1/portfolio/history
type HistoryPoint struct {
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Value     decimal.Decimal `json:"value"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
