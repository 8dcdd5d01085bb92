package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidTick = errors.New("invalid tick")

// Tick is one normalized trade print for a symbol from a single source.
// Ticks are values and are never mutated after publish.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Validate rejects ticks that must never reach the bus
func (t Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidTick)
	case !t.Price.IsPositive():
		return fmt.Errorf("%w: non-positive price %s", ErrInvalidTick, t.Price)
	case !t.Size.IsPositive():
		return fmt.Errorf("%w: non-positive size %s", ErrInvalidTick, t.Size)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTick)
	}
	return nil
}

// NormalizeSymbol maps provider spellings ("btc-usdt", "BTC/USDT", "aapl")
// onto the internal form ("BTCUSDT", "AAPL").
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	return strings.NewReplacer("-", "", "/", "", "_", "").Replace(s)
}
