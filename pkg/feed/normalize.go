package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/market"
)

var (
	// ErrIgnored marks control frames (status, ping, subscription acks).
	// They are skipped without counting as invalid.
	ErrIgnored = errors.New("ignored frame")
	// ErrMalformed marks frames that cannot be parsed at all
	ErrMalformed = errors.New("malformed frame")
)

// Normalizer turns one raw upstream frame into zero or more ticks.
// Returned ticks are not validated; the ingestor does that.
type Normalizer interface {
	Normalize(raw []byte) ([]market.Tick, error)
}

type NormalizerFunc func(raw []byte) ([]market.Tick, error)

func (f NormalizerFunc) Normalize(raw []byte) ([]market.Tick, error) { return f(raw) }

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ==============================
// Binance
// ==============================

// binanceTrade declares the upper/lower case pairs (e/E, t/T, m/M) explicitly;
// encoding/json would otherwise match them case-insensitively onto each other.
type binanceTrade struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
	Maker     bool            `json:"m"`
	Ignore    bool            `json:"M"`
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceTrades parses the raw trade stream and the combined-stream envelope
var BinanceTrades = NormalizerFunc(func(raw []byte) ([]market.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload := raw
	if env.Stream != "" && len(env.Data) > 0 {
		payload = env.Data
	}

	var tr binanceTrade
	if err := json.Unmarshal(payload, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tr.Event != "trade" {
		// {"result":null,"id":1} acks and other event types
		return nil, ErrIgnored
	}
	return []market.Tick{{
		Symbol:    market.NormalizeSymbol(tr.Symbol),
		Price:     tr.Price,
		Size:      tr.Quantity,
		Timestamp: fromMillis(tr.TradeTime),
	}}, nil
})

// ==============================
// Polygon
// ==============================

type polygonEvent struct {
	Ev     string          `json:"ev"`
	Sym    string          `json:"sym"`
	Pair   string          `json:"pair"` // crypto trades (XT) use pair
	Price  decimal.Decimal `json:"p"`
	Size   decimal.Decimal `json:"s"`
	Millis int64           `json:"t"`
	Status string          `json:"status"`
}

// PolygonTrades parses frames from the stocks (T) and crypto (XT) sockets.
// Polygon always sends a JSON array; status events are skipped.
var PolygonTrades = NormalizerFunc(func(raw []byte) ([]market.Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: expected array", ErrMalformed)
	}
	var events []polygonEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ticks []market.Tick
	for _, ev := range events {
		var sym string
		switch ev.Ev {
		case "T":
			sym = ev.Sym
		case "XT":
			sym = ev.Pair
		default:
			continue
		}
		ticks = append(ticks, market.Tick{
			Symbol:    market.NormalizeSymbol(strings.TrimPrefix(sym, "X:")),
			Price:     ev.Price,
			Size:      ev.Size,
			Timestamp: fromMillis(ev.Millis),
		})
	}
	if len(ticks) == 0 {
		return nil, ErrIgnored
	}
	return ticks, nil
})

// ==============================
// Finnhub
// ==============================

type finnhubTrade struct {
	Symbol string          `json:"s"`
	Price  decimal.Decimal `json:"p"`
	Volume decimal.Decimal `json:"v"`
	Millis int64           `json:"t"`
}

type finnhubMessage struct {
	Type string         `json:"type"`
	Data []finnhubTrade `json:"data"`
}

// FinnhubTrades parses {"type":"trade","data":[...]}; ping frames are skipped
var FinnhubTrades = NormalizerFunc(func(raw []byte) ([]market.Tick, error) {
	var msg finnhubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type != "trade" {
		return nil, ErrIgnored
	}
	ticks := make([]market.Tick, 0, len(msg.Data))
	for _, d := range msg.Data {
		// crypto symbols arrive as "BINANCE:BTCUSDT"
		sym := d.Symbol
		if _, after, ok := strings.Cut(sym, ":"); ok {
			sym = after
		}
		ticks = append(ticks, market.Tick{
			Symbol:    market.NormalizeSymbol(sym),
			Price:     d.Price,
			Size:      d.Volume,
			Timestamp: fromMillis(d.Millis),
		})
	}
	return ticks, nil
})
