package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/util"
)

const MaxBatch = 100

var (
	ErrNoQuote        = errors.New("no quote available")
	ErrNoRefresher    = errors.New("no refresher configured")
	ErrTooManySymbols = fmt.Errorf("at most %d symbols per request", MaxBatch)
)

// Quote is the cached current price of a symbol.
// Stale is set on read when the quote is older than TTL.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
	TTL       time.Duration   `json:"ttl"`
	Stale     bool            `json:"stale"`
}

// Refresher fetches the latest trade for a symbol from outside the bus
type Refresher interface {
	Latest(ctx context.Context, symbol string) (market.Tick, error)
}

type entry struct {
	mu sync.RWMutex
	q  Quote
}

// Cache holds the latest quote per symbol. Each symbol has its own lock, so
// writers for different symbols never contend.
type Cache struct {
	entries sync.Map // symbol -> *entry
	ttl     time.Duration
	clock   util.Clock

	refresher      Refresher
	refreshTimeout time.Duration
	group          singleflight.Group

	log *zap.SugaredLogger
}

type Options struct {
	TTL            time.Duration
	Clock          util.Clock
	Refresher      Refresher // optional
	RefreshTimeout time.Duration
	Logger         *zap.SugaredLogger
}

func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 3 * time.Second
	}
	return &Cache{
		ttl:            opts.TTL,
		clock:          opts.Clock,
		refresher:      opts.Refresher,
		refreshTimeout: opts.RefreshTimeout,
		log:            util.OrNop(opts.Logger),
	}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) entryFor(symbol string) *entry {
	if e, ok := c.entries.Load(symbol); ok {
		return e.(*entry)
	}
	e, _ := c.entries.LoadOrStore(symbol, &entry{})
	return e.(*entry)
}

// Apply records t as the symbol's quote unless a newer tick is already cached.
// Equal timestamps from different sources resolve last-write-wins.
func (c *Cache) Apply(t market.Tick) bool {
	return c.apply(t, false)
}

func (c *Cache) apply(t market.Tick, touch bool) bool {
	e := c.entryFor(t.Symbol)
	now := c.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.q.Timestamp.IsZero() && t.Timestamp.Before(e.q.Timestamp) {
		// upstream has nothing newer than what we hold; the cached price is
		// confirmed current as of now
		if touch {
			e.q.FetchedAt = now
		}
		return false
	}
	e.q = Quote{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Size:      t.Size,
		Timestamp: t.Timestamp,
		Source:    t.Source,
		FetchedAt: now,
		TTL:       c.ttl,
	}
	return true
}

// Get returns the cached quote without any I/O. ok is false when the symbol
// has never been seen.
func (c *Cache) Get(symbol string) (Quote, bool) {
	v, found := c.entries.Load(symbol)
	if !found {
		return Quote{}, false
	}
	e := v.(*entry)

	e.mu.RLock()
	q := e.q
	e.mu.RUnlock()

	if q.FetchedAt.IsZero() {
		return Quote{}, false
	}
	q.Stale = c.clock.Now().Sub(q.FetchedAt) > c.ttl
	return q, true
}

// Refresh asks the refresher for the latest trade. Concurrent refreshes of the
// same symbol share a single upstream request.
func (c *Cache) Refresh(ctx context.Context, symbol string) (Quote, error) {
	if c.refresher == nil {
		return Quote{}, ErrNoRefresher
	}

	ch := c.group.DoChan(symbol, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		t, err := c.refresher.Latest(rctx, symbol)
		if err != nil {
			return nil, err
		}
		c.apply(t, true)
		q, _ := c.Get(symbol)
		c.log.Debugw("quote_refreshed", "symbol", symbol, "price", q.Price.String(), "source", q.Source)
		return q, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Quote{}, fmt.Errorf("refresh %s: %w", symbol, res.Err)
		}
		return res.Val.(Quote), nil
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
}

// Lookup returns a fresh quote, refreshing on miss or expiry. If the refresh
// fails the last known quote is returned with Stale set.
func (c *Cache) Lookup(ctx context.Context, symbol string) (Quote, error) {
	q, ok := c.Get(symbol)
	if ok && !q.Stale {
		return q, nil
	}

	fresh, err := c.Refresh(ctx, symbol)
	if err == nil {
		return fresh, nil
	}
	if !errors.Is(err, ErrNoRefresher) {
		c.log.Warnw("quote_refresh_failed", "symbol", symbol, "err", err)
	}
	if ok {
		return q, nil
	}
	return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
}

// GetMany looks up each symbol; symbols with no quote at all are omitted
func (c *Cache) GetMany(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) > MaxBatch {
		return nil, ErrTooManySymbols
	}
	out := make([]Quote, 0, len(symbols))
	for _, s := range symbols {
		q, err := c.Lookup(ctx, s)
		if errors.Is(err, ErrNoQuote) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Prices returns the current price for each cached symbol, stale or not
func (c *Cache) Prices() map[string]Quote {
	out := make(map[string]Quote)
	c.entries.Range(func(k, _ interface{}) bool {
		if q, ok := c.Get(k.(string)); ok {
			out[q.Symbol] = q
		}
		return true
	})
	return out
}

// Symbols lists every symbol that has a cached quote
func (c *Cache) Symbols() []string {
	var out []string
	for s := range c.Prices() {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Chain tries each refresher in order and returns the first success
type Chain []Refresher

func (ch Chain) Latest(ctx context.Context, symbol string) (market.Tick, error) {
	var errs []error
	for _, r := range ch {
		t, err := r.Latest(ctx, symbol)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return market.Tick{}, ErrNoRefresher
	}
	return market.Tick{}, errors.Join(errs...)
}
