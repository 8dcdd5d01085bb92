package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/params"
	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/bus"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/events"
	"github.com/uhyunpark/papertrade/pkg/feed"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/portfolio"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/ratelimit"
	"github.com/uhyunpark/papertrade/pkg/storage"
	"github.com/uhyunpark/papertrade/pkg/util"
)

// HousekeepingInterval paces day-order expiry and idle bucket eviction
const HousekeepingInterval = time.Minute

type Options struct {
	Config    params.Config
	Store     *storage.PebbleStore  // optional, in-memory ledgers when nil
	Redis     redis.UniversalClient // optional quote mirror and refresh source
	Events    events.MessageWriter  // optional Kafka sink
	Providers []feed.Provider       // upstream feeds, may be empty
	Clock     util.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
}

// App wires the trading core together. Every tick enters through Bus; the
// cache, the engine and the redis mirror consume it on the reliable path and
// WebSocket sessions on the lossy path.
type App struct {
	cfg   params.Config
	clock util.Clock

	Registry  *market.Registry
	Bus       *bus.Bus
	Quotes    *quote.Cache
	Engine    *engine.Engine
	Valuator  *portfolio.Valuator
	Limiter   *ratelimit.Limiter
	Ingestor  *feed.Ingestor
	Publisher *events.KafkaPublisher // nil without a Kafka sink
	Mirror    *quote.RedisMirror     // nil without Redis
	Metrics   *metrics.Metrics

	log *zap.SugaredLogger

	wg        sync.WaitGroup
	cancel    context.CancelFunc // feeds and background loops
	stopSinks context.CancelFunc // event publisher and redis mirror
}

// Health is the liveness report served at /health
type Health struct {
	Status        string                `json:"status"`
	Time          time.Time             `json:"time"`
	Providers     []feed.ProviderHealth `json:"providers"`
	Symbols       []string              `json:"symbols"`
	PendingOrders int                   `json:"pendingOrders"`
	BusDropped    uint64                `json:"busDropped"`
	EventsDropped uint64                `json:"eventsDropped"`
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	log := util.OrNop(opts.Logger)
	m := metrics.OrNew(opts.Metrics)
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if len(cfg.Engine.Symbols) == 0 {
		return nil, errors.New("no symbols configured")
	}

	registry := market.NewRegistryFromSymbols(cfg.Engine.Symbols)

	proxies, err := ratelimit.ParseProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, err
	}

	b := bus.New(bus.Options{
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		LaneDepth:        cfg.Bus.LaneDepth,
		Metrics:          m,
		Logger:           log,
	})

	var refreshers quote.Chain
	if opts.Redis != nil {
		refreshers = append(refreshers, quote.NewRedisSource(opts.Redis))
	}
	if cfg.Quote.BinanceRESTURL != "" {
		refreshers = append(refreshers, quote.NewBinanceREST(cfg.Quote.BinanceRESTURL, cfg.Quote.RefreshRPS))
	}
	cacheOpts := quote.Options{
		TTL:    cfg.Quote.TTL,
		Clock:  opts.Clock,
		Logger: log,
	}
	if len(refreshers) > 0 {
		cacheOpts.Refresher = refreshers
	}
	cache := quote.NewCache(cacheOpts)

	// a nil *PebbleStore must not become a non-nil interface
	var store account.Store
	var history portfolio.History
	if opts.Store != nil {
		store = opts.Store
		history = opts.Store
	}
	accounts := account.NewManager(store, cfg.Engine.StartingCash, opts.Clock, log)

	eng := engine.New(engine.Options{
		Accounts: accounts,
		Registry: registry,
		Quotes:   cache,
		Clock:    opts.Clock,
		Commission: engine.Commission{
			Rate: cfg.Engine.CommissionRate,
			Min:  cfg.Engine.MinCommission,
		},
		Metrics: m,
		Logger:  log,
	})

	val := portfolio.NewValuator(portfolio.Options{
		Ledgers: eng,
		Prices:  cache,
		History: history,
		Clock:   opts.Clock,
		Logger:  log,
	})

	a := &App{
		cfg:      cfg,
		clock:    opts.Clock,
		Registry: registry,
		Bus:      b,
		Quotes:   cache,
		Engine:   eng,
		Valuator: val,
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:            cfg.RateLimit.RPS,
			Burst:          cfg.RateLimit.Burst,
			Idle:           cfg.RateLimit.Idle,
			TrustedProxies: proxies,
		}, opts.Clock, m),
		Metrics: m,
		log:     log,
	}

	// the cache must see a tick before the engine settles against it
	if err := b.SubscribeReliable("quotes", func(t market.Tick) { cache.Apply(t) }); err != nil {
		return nil, fmt.Errorf("subscribe quotes: %w", err)
	}
	if err := b.SubscribeReliable("engine", eng.OnTick); err != nil {
		return nil, fmt.Errorf("subscribe engine: %w", err)
	}
	if opts.Redis != nil {
		a.Mirror = quote.NewRedisMirror(opts.Redis, cfg.Quote.TTL, log)
		if err := b.SubscribeReliable("redis", a.Mirror.Handle); err != nil {
			return nil, fmt.Errorf("subscribe redis mirror: %w", err)
		}
	}

	if opts.Events != nil {
		a.Publisher = events.NewKafkaPublisher(opts.Events, 0, log)
		eng.OnEvent(a.Publisher.Handle)
	}
	eng.OnEvent(a.recordFill)

	feedCfg := feed.DefaultConfig()
	feedCfg.ReconnectMin = cfg.Feed.ReconnectMin
	feedCfg.ReconnectMax = cfg.Feed.ReconnectMax
	a.Ingestor = feed.NewIngestor(b, opts.Providers, feedCfg, m, log)

	return a, nil
}

// Providers builds the upstream feeds enabled in cfg. Binance carries the
// crypto symbols; Polygon and Finnhub carry equities.
func Providers(cfg params.Config) []feed.Provider {
	registry := market.NewRegistryFromSymbols(cfg.Engine.Symbols)
	crypto := registry.Symbols(market.Crypto)
	equities := registry.Symbols(market.Equity)

	var out []feed.Provider
	if cfg.Feed.BinanceWSURL != "" && len(crypto) > 0 {
		out = append(out, feed.BinanceProvider(cfg.Feed.BinanceWSURL, crypto))
	}
	if cfg.Feed.PolygonWSURL != "" && cfg.Feed.PolygonAPIKey != "" && len(equities) > 0 {
		out = append(out, feed.PolygonProvider(cfg.Feed.PolygonWSURL, cfg.Feed.PolygonAPIKey, equities))
	}
	if cfg.Feed.FinnhubWSURL != "" && cfg.Feed.FinnhubAPIKey != "" && len(equities) > 0 {
		out = append(out, feed.FinnhubProvider(cfg.Feed.FinnhubWSURL, cfg.Feed.FinnhubAPIKey, equities))
	}
	return out
}

func (a *App) recordFill(ev engine.Event) {
	if ev.Type != engine.EventFilled || ev.Fill == nil {
		return
	}
	if err := a.Valuator.RecordUser(ev.Order.UserID, ev.Fill.Timestamp); err != nil {
		a.log.Warnw("equity_point_failed", "user", ev.Order.UserID, "err", err)
	}
}

// Start restores pending orders and launches the feeds and background loops.
// It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Restore(); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}

	// sinks outlive the loops so Close can drain the bus into them
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSinks = stopSinks
	if a.Publisher != nil {
		a.Publisher.Start(sinkCtx)
	}
	if a.Mirror != nil {
		a.Mirror.Start(sinkCtx)
	}

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Ingestor.Run(ctx)
	}()

	if a.cfg.Feed.EnableSimulator {
		simCfg := feed.DefaultSimulatorConfig(a.Registry.Symbols(""))
		if a.cfg.Feed.SimulatorInterval > 0 {
			simCfg.Interval = a.cfg.Feed.SimulatorInterval
		}
		feed.StartSimulator(ctx, a.Bus, simCfg, a.log)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.housekeeping(ctx)
	}()

	a.log.Infow("app_started",
		"symbols", a.Registry.Count(),
		"providers", len(a.Ingestor.Health()),
		"simulator", a.cfg.Feed.EnableSimulator,
	)
	return nil
}

func (a *App) housekeeping(ctx context.Context) {
	tick := time.NewTicker(HousekeepingInterval)
	defer tick.Stop()

	equityEvery := a.cfg.Portfolio.EquityInterval
	var equity <-chan time.Time
	if equityEvery > 0 {
		t := time.NewTicker(equityEvery)
		defer t.Stop()
		equity = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			a.Housekeep()
		case <-equity:
			if err := a.Valuator.RecordEquity(a.clock.Now()); err != nil {
				a.log.Warnw("equity_snapshot_failed", "err", err)
			}
		}
	}
}

// Housekeep expires day orders past their session and evicts idle
// rate-limit buckets.
func (a *App) Housekeep() {
	now := a.clock.Now()
	if n := a.Engine.ExpireDayOrders(now); n > 0 {
		a.log.Infow("day_orders_expired", "count", n)
	}
	if n := a.Limiter.Sweep(); n > 0 {
		a.log.Debugw("rate_buckets_evicted", "count", n)
	}
}

// Close stops the feeds and background loops, drains the bus, then flushes
// the event publisher and the redis mirror.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Bus.Close()

	if a.stopSinks != nil {
		a.stopSinks()
	}
	if a.Mirror != nil {
		a.Mirror.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	a.log.Infow("app_stopped")
	return nil
}

// GetQuote returns the current quote for symbol. It never touches orders.
func (a *App) GetQuote(ctx context.Context, caller, symbol string) (quote.Quote, error) {
	if err := a.Limiter.Allow(caller); err != nil {
		return quote.Quote{}, err
	}
	symbol = market.NormalizeSymbol(symbol)
	if !a.Registry.Exists(symbol) {
		return quote.Quote{}, fmt.Errorf("%w: %s", engine.ErrInvalidSymbol, symbol)
	}
	return a.Quotes.Lookup(ctx, symbol)
}

// GetQuotes returns quotes for up to quote.MaxBatch symbols. Symbols with no
// quote yet are left out of the result.
func (a *App) GetQuotes(ctx context.Context, caller string, symbols []string) ([]quote.Quote, error) {
	if err := a.Limiter.Allow(caller); err != nil {
		return nil, err
	}
	if len(symbols) > quote.MaxBatch {
		return nil, quote.ErrTooManySymbols
	}
	norm := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = market.NormalizeSymbol(s)
		if seen[s] {
			continue
		}
		if !a.Registry.Exists(s) {
			return nil, fmt.Errorf("%w: %s", engine.ErrInvalidSymbol, s)
		}
		seen[s] = true
		norm = append(norm, s)
	}
	return a.Quotes.GetMany(ctx, norm)
}

func (a *App) SubmitOrder(ctx context.Context, user string, req engine.OrderRequest) (account.Order, error) {
	if err := ctx.Err(); err != nil {
		return account.Order{}, err
	}
	if err := a.Limiter.Allow(user); err != nil {
		return account.Order{}, err
	}
	return a.Engine.Submit(user, req)
}

// EstimateOrder prices an order without placing it
func (a *App) EstimateOrder(ctx context.Context, user string, req engine.OrderRequest) (engine.Estimate, error) {
	if err := ctx.Err(); err != nil {
		return engine.Estimate{}, err
	}
	if err := a.Limiter.Allow(user); err != nil {
		return engine.Estimate{}, err
	}
	return a.Engine.Estimate(user, req)
}

// ExitPosition sells everything the user holds in symbol that no pending
// order has reserved
func (a *App) ExitPosition(ctx context.Context, user, symbol string, kind account.Kind, price decimal.NullDecimal) (account.Order, error) {
	if err := ctx.Err(); err != nil {
		return account.Order{}, err
	}
	if err := a.Limiter.Allow(user); err != nil {
		return account.Order{}, err
	}
	return a.Engine.ExitPosition(user, symbol, kind, price)
}

func (a *App) CancelOrder(ctx context.Context, user, id string) (account.Order, error) {
	if err := ctx.Err(); err != nil {
		return account.Order{}, err
	}
	return a.Engine.Cancel(user, id)
}

func (a *App) GetOrder(user, id string) (account.Order, error) {
	return a.Engine.Order(user, id)
}

func (a *App) ListOrders(user string, statuses ...account.OrderStatus) ([]account.Order, error) {
	return a.Engine.Orders(user, statuses...)
}

func (a *App) Fills(user string) ([]account.Fill, error) {
	return a.Engine.Fills(user)
}

// GetSnapshot recomputes the user's portfolio on every call
func (a *App) GetSnapshot(user string) (portfolio.Snapshot, error) {
	return a.Valuator.Snapshot(user)
}

// PortfolioHistory returns equity samples from the last days, closed by the
// current value
func (a *App) PortfolioHistory(user string, days int) ([]account.EquityPoint, error) {
	return a.Valuator.History(user, a.clock.Now().AddDate(0, 0, -days))
}

func (a *App) Allocation(user string) (portfolio.Allocation, error) {
	return a.Valuator.Allocation(user)
}

// Now reads the app clock
func (a *App) Now() time.Time { return a.clock.Now() }

// OnOrderEvent registers fn for every order state change
func (a *App) OnOrderEvent(fn func(engine.Event)) {
	a.Engine.OnEvent(fn)
}

func (a *App) Health() Health {
	h := Health{
		Status:     "ok",
		Time:       a.clock.Now().UTC(),
		Providers:  a.Ingestor.Health(),
		Symbols:    a.Registry.Symbols(""),
		BusDropped: a.Bus.Dropped(),
	}
	for _, s := range h.Symbols {
		h.PendingOrders += a.Engine.PendingCount(s)
	}
	if a.Publisher != nil {
		h.EventsDropped = a.Publisher.Dropped()
	}
	for _, p := range h.Providers {
		if !p.Connected {
			h.Status = "degraded"
			break
		}
	}
	return h
}
