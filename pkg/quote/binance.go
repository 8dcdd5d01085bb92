package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/papertrade/pkg/market"
)

// BinanceREST fetches the most recent public trade over REST. Requests are
// paced by a shared limiter so bursts of refreshes stay under the venue's
// request weight.
type BinanceREST struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
}

func NewBinanceREST(baseURL string, rps float64) *BinanceREST {
	if rps <= 0 {
		rps = 5
	}
	return &BinanceREST{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(rps), 5),
	}
}

type binanceTrade struct {
	ID    int64  `json:"id"`
	Price string `json:"price"`
	Qty   string `json:"qty"`
	Time  int64  `json:"time"`
}

func (b *BinanceREST) Latest(ctx context.Context, symbol string) (market.Tick, error) {
	if market.ClassOf(symbol) != market.Crypto {
		return market.Tick{}, fmt.Errorf("%w: %s not listed on binance", ErrNoQuote, symbol)
	}
	if err := b.Limiter.Wait(ctx); err != nil {
		return market.Tick{}, err
	}

	q := url.Values{"symbol": {symbol}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/api/v3/trades?"+q.Encode(), nil)
	if err != nil {
		return market.Tick{}, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return market.Tick{}, fmt.Errorf("binance trades: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return market.Tick{}, fmt.Errorf("binance trades: status %d", resp.StatusCode)
	}

	var trades []binanceTrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return market.Tick{}, fmt.Errorf("decode trades: %w", err)
	}
	if len(trades) == 0 {
		return market.Tick{}, fmt.Errorf("%w: no trades for %s", ErrNoQuote, symbol)
	}

	tr := trades[len(trades)-1]
	price, err := decimal.NewFromString(tr.Price)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse price: %w", err)
	}
	qty, err := decimal.NewFromString(tr.Qty)
	if err != nil {
		return market.Tick{}, fmt.Errorf("parse qty: %w", err)
	}
	t := market.Tick{
		Symbol:    symbol,
		Price:     price,
		Size:      qty,
		Timestamp: time.UnixMilli(tr.Time),
		Source:    "binance-rest",
	}
	if err := t.Validate(); err != nil {
		return market.Tick{}, err
	}
	return t, nil
}
