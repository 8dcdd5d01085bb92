package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign is +1 for buys and -1 for sells
func (s Side) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind is the order variant. All kinds share one evaluation contract:
// Eligible decides whether a price triggers the order and ExecutionPrice
// decides what it fills at.
type Kind uint8

const (
	Market Kind = iota + 1
	Limit
	Stop
	TakeProfit
	StopLimit
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case TakeProfit:
		return "take_profit"
	case StopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool { return k >= Market && k <= StopLimit }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	case "stop", "stop_loss":
		return Stop, nil
	case "take_profit":
		return TakeProfit, nil
	case "stop_limit":
		return StopLimit, nil
	}
	return 0, fmt.Errorf("unknown order kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

type TimeInForce uint8

const (
	GTC TimeInForce = iota // good till cancelled
	Day                    // expires at the end of the UTC day
	IOC                    // immediate or cancel
	FOK                    // fill or kill
)

func (t TimeInForce) String() string {
	switch t {
	case Day:
		return "day"
	case IOC:
		return "ioc"
	case FOK:
		return "fok"
	}
	return "gtc"
}

// Immediate reports whether the order never rests. Fills are all or nothing,
// so IOC and FOK behave the same.
func (t TimeInForce) Immediate() bool { return t == IOC || t == FOK }

func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToLower(s) {
	case "", "gtc":
		return GTC, nil
	case "day":
		return Day, nil
	case "ioc":
		return IOC, nil
	case "fok":
		return FOK, nil
	}
	return 0, fmt.Errorf("unknown time in force %q", s)
}

func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeInForce) UnmarshalText(b []byte) error {
	v, err := ParseTimeInForce(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// OrderStatus represents the lifecycle state of an order.
// Pending is the only non-terminal state.
type OrderStatus uint8

const (
	Pending OrderStatus = iota
	Filled
	Cancelled
	Rejected
)

func (s OrderStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch strings.ToLower(s) {
	case "pending", "open":
		return Pending, nil
	case "filled":
		return Filled, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	case "rejected":
		return Rejected, nil
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a user's instruction to trade one symbol.
// Price is the limit or trigger price and is zero for market orders; it never
// changes after submission. A stop-limit order also carries StopPrice: it
// waits for the stop, then rests as a limit order at Price.
type Order struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Kind          Kind            `json:"kind"`
	TIF           TimeInForce     `json:"tif"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	Triggered     bool            `json:"triggered,omitempty"` // stop-limit stop has fired
	Status        OrderStatus     `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`

	// Reserved is the cash (buy) or quantity (sell) held back while pending
	Reserved decimal.Decimal `json:"reserved"`

	FillID    string          `json:"fillId,omitempty"`
	FillPrice decimal.Decimal `json:"fillPrice"`

	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (o *Order) IsClosed() bool { return o.Status != Pending }

// Eligible reports whether a trade at P triggers the order, where P is
// TriggerPrice.
//
//	limit        buy: price <= P   sell: price >= P
//	stop         buy: price >= P   sell: price <= P  (adverse crossing)
//	take profit  buy: price <= P   sell: price >= P  (favorable crossing)
//	stop limit   as stop until triggered, then as limit
//	market       always
func (o *Order) Eligible(price decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.TriggersBelow() {
		return price.LessThanOrEqual(o.TriggerPrice())
	}
	return price.GreaterThanOrEqual(o.TriggerPrice())
}

// TriggerPrice is the price the order is waiting for: the stop of an
// untriggered stop-limit order, Price otherwise.
func (o *Order) TriggerPrice() decimal.Decimal {
	if o.Kind == StopLimit && !o.Triggered {
		return o.StopPrice
	}
	return o.Price
}

// TriggersBelow is true for orders that fire when the price falls to their
// trigger or lower. Market orders have no trigger and return false.
func (o *Order) TriggersBelow() bool {
	switch o.Kind {
	case Limit, TakeProfit:
		return o.Side == Buy
	case Stop:
		return o.Side == Sell
	case StopLimit:
		if o.Triggered {
			return o.Side == Buy
		}
		return o.Side == Sell
	}
	return false
}

// ExecutionPrice is the price a triggered order fills at. Every kind fills at
// the triggering trade's price, so a stop that gaps through its trigger fills
// worse than the trigger.
func (o *Order) ExecutionPrice(tradePrice decimal.Decimal) decimal.Decimal {
	return tradePrice
}

// EndOfDay returns the first instant of the next UTC day
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
