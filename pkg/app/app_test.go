package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/params"
	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/ratelimit"
	"github.com/uhyunpark/papertrade/pkg/storage"
	"github.com/uhyunpark/papertrade/pkg/util"
)

var t0 = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Engine.Symbols = []string{"AAPL", "BTCUSDT"}
	cfg.Engine.StartingCash = decimal.NewFromInt(10000)
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000
	cfg.Portfolio.EquityInterval = 0
	return cfg
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func newTestApp(t *testing.T, cfg params.Config, mutate func(*Options)) (*App, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(t0)
	opts := Options{Config: cfg, Clock: clock}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publish(t *testing.T, a *App, symbol, price string) {
	t.Helper()
	tick := market.Tick{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Size:      decimal.NewFromInt(1),
		Timestamp: a.clock.Now(),
		Source:    "test",
	}
	if err := a.Bus.Publish(tick); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "quote "+symbol+" at "+price, func() bool {
		q, ok := a.Quotes.Get(symbol)
		return ok && q.Price.Equal(tick.Price)
	})
}

func TestApp_MarketBuyThroughBus(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)
	publish(t, a, "AAPL", "85")

	o, err := a.SubmitOrder(context.Background(), "alice", engine.OrderRequest{
		Symbol:   "AAPL",
		Side:     account.Buy,
		Kind:     account.Market,
		Quantity: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != account.Filled || !o.FillPrice.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("order = %s at %s, want filled at 85", o.Status, o.FillPrice)
	}

	snap, err := a.GetSnapshot("alice")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Cash.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("cash = %s, want 1500", snap.Cash)
	}
	if !snap.TotalValue.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("total value = %s, want 10000", snap.TotalValue)
	}

	fills, err := a.Fills("alice")
	if err != nil || len(fills) != 1 {
		t.Fatalf("fills = %d, %v", len(fills), err)
	}
}

func TestApp_RestingStopFiresOnTick(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)
	publish(t, a, "AAPL", "150")

	ctx := context.Background()
	if _, err := a.SubmitOrder(ctx, "bob", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Market, Quantity: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	stop, err := a.SubmitOrder(ctx, "bob", engine.OrderRequest{
		Symbol:   "AAPL",
		Side:     account.Sell,
		Kind:     account.Stop,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewNullDecimal(decimal.NewFromInt(140)),
	})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	publish(t, a, "AAPL", "139.5")
	waitFor(t, "stop fill", func() bool {
		o, err := a.GetOrder("bob", stop.ID)
		return err == nil && o.Status == account.Filled
	})

	o, _ := a.GetOrder("bob", stop.ID)
	if !o.FillPrice.Equal(decimal.RequireFromString("139.5")) {
		t.Errorf("fill price = %s, want 139.5", o.FillPrice)
	}
	open, err := a.ListOrders("bob", account.Pending)
	if err != nil || len(open) != 0 {
		t.Errorf("pending = %d, %v", len(open), err)
	}
}

func TestApp_Quotes(t *testing.T) {
	a, clock := newTestApp(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := a.GetQuote(ctx, "ip-1", "AAPL"); !errors.Is(err, quote.ErrNoQuote) {
		t.Errorf("quote before any tick: err = %v, want ErrNoQuote", err)
	}
	if _, err := a.GetQuote(ctx, "ip-1", "NOPE"); !errors.Is(err, engine.ErrInvalidSymbol) {
		t.Errorf("unknown symbol: err = %v, want ErrInvalidSymbol", err)
	}

	publish(t, a, "AAPL", "190")
	q, err := a.GetQuote(ctx, "ip-1", "aapl")
	if err != nil {
		t.Fatalf("get quote: %v", err)
	}
	if q.Stale || !q.Price.Equal(decimal.NewFromInt(190)) {
		t.Errorf("quote = %+v", q)
	}

	clock.Advance(61 * time.Second)
	q, err = a.GetQuote(ctx, "ip-1", "AAPL")
	if err != nil {
		t.Fatalf("get stale quote: %v", err)
	}
	if !q.Stale {
		t.Error("quote older than ttl should be stale")
	}

	qs, err := a.GetQuotes(ctx, "ip-1", []string{"AAPL", "BTCUSDT", "aapl"})
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	if len(qs) != 1 || qs[0].Symbol != "AAPL" {
		t.Errorf("quotes = %+v, want only AAPL", qs)
	}

	many := make([]string, quote.MaxBatch+1)
	for i := range many {
		many[i] = "AAPL"
	}
	if _, err := a.GetQuotes(ctx, "ip-1", many); !errors.Is(err, quote.ErrTooManySymbols) {
		t.Errorf("oversized batch: err = %v", err)
	}
}

func TestApp_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 2
	a, _ := newTestApp(t, cfg, nil)
	ctx := context.Background()

	req := engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Limit,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewNullDecimal(decimal.NewFromInt(10)),
	}
	for i := 0; i < 2; i++ {
		if _, err := a.SubmitOrder(ctx, "carol", req); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := a.SubmitOrder(ctx, "carol", req); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("third submit: err = %v, want ErrRateLimited", err)
	}
	// other callers keep their own bucket
	if _, err := a.SubmitOrder(ctx, "dave", req); err != nil {
		t.Errorf("other user: %v", err)
	}

	orders, _ := a.ListOrders("carol")
	if len(orders) != 2 {
		t.Errorf("carol has %d orders, want 2", len(orders))
	}
}

func TestApp_CancelOrder(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)
	ctx := context.Background()

	o, err := a.SubmitOrder(ctx, "erin", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Limit,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := a.CancelOrder(ctx, "erin", o.ID)
	if err != nil || got.Status != account.Cancelled {
		t.Fatalf("cancel = %s, %v", got.Status, err)
	}
	if _, err := a.CancelOrder(ctx, "erin", o.ID); !errors.Is(err, engine.ErrOrderNotPending) {
		t.Errorf("second cancel: err = %v, want ErrOrderNotPending", err)
	}
	if _, err := a.CancelOrder(ctx, "mallory", o.ID); !errors.Is(err, engine.ErrOrderNotFound) {
		t.Errorf("foreign cancel: err = %v, want ErrOrderNotFound", err)
	}
}

func TestApp_HousekeepExpiresDayOrders(t *testing.T) {
	a, clock := newTestApp(t, testConfig(), nil)

	o, err := a.SubmitOrder(context.Background(), "frank", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Limit, TIF: account.Day,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewNullDecimal(decimal.NewFromInt(50)),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	a.Housekeep()
	if got, _ := a.GetOrder("frank", o.ID); got.Status != account.Pending {
		t.Fatalf("status before session end = %s", got.Status)
	}

	clock.Advance(10 * time.Hour)
	a.Housekeep()
	got, _ := a.GetOrder("frank", o.ID)
	if got.Status != account.Cancelled || got.Reason != engine.ReasonExpired {
		t.Errorf("after session end: %s (%s)", got.Status, got.Reason)
	}
	acc, _ := a.Engine.Account("frank")
	if !acc.ReservedCash.IsZero() {
		t.Errorf("reserved cash = %s, want 0", acc.ReservedCash)
	}
}

func TestApp_PublishesOrderEvents(t *testing.T) {
	w := &fakeWriter{}
	clock := util.NewManualClock(t0)
	a, err := New(Options{Config: testConfig(), Clock: clock, Events: w})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	publish(t, a, "AAPL", "85")

	if _, err := a.SubmitOrder(context.Background(), "gina", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Market, Quantity: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	msgs := w.Messages()
	if len(msgs) == 0 {
		t.Fatal("no events written")
	}
	last := msgs[len(msgs)-1]
	if string(last.Key) != "gina" {
		t.Errorf("key = %q, want gina", last.Key)
	}
	var ev struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(last.Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != string(engine.EventFilled) {
		t.Errorf("last event type = %s, want filled", ev.Type)
	}
}

func TestApp_CloseDeliversEventsFromDrain(t *testing.T) {
	w := &fakeWriter{}
	a, err := New(Options{Config: testConfig(), Clock: util.NewManualClock(t0), Events: w})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// holds the AAPL lane so the crossing tick is still queued at Close
	a.Bus.SubscribeReliable("gate", func(tk market.Tick) {
		if tk.Price.Equal(decimal.NewFromInt(90)) {
			time.Sleep(100 * time.Millisecond)
		}
	})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	o, err := a.SubmitOrder(context.Background(), "hank", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Limit, Quantity: decimal.NewFromInt(1),
		Price: decimal.NewNullDecimal(decimal.NewFromInt(80)),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, p := range []int64{90, 79} {
		tick := market.Tick{Symbol: "AAPL", Price: decimal.NewFromInt(p), Size: decimal.NewFromInt(1), Timestamp: t0, Source: "test"}
		if err := a.Bus.Publish(tick); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, _ := a.GetOrder("hank", o.ID)
	if got.Status != account.Filled {
		t.Fatalf("order = %s, want filled during drain", got.Status)
	}
	var filled bool
	for _, m := range w.Messages() {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(m.Value, &ev); err == nil && ev.Type == string(engine.EventFilled) {
			filled = true
		}
	}
	if !filled {
		t.Error("fill settled while draining never reached the event sink")
	}
}

func TestApp_RedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	a, _ := newTestApp(t, testConfig(), func(o *Options) { o.Redis = rdb })
	publish(t, a, "BTCUSDT", "65000")

	waitFor(t, "redis mirror", func() bool { return mr.Exists("quote:BTCUSDT") })
}

func TestApp_RecordsEquityOnFill(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)
	publish(t, a, "AAPL", "100")

	if _, err := a.SubmitOrder(context.Background(), "hank", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Market, Quantity: decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap, err := a.GetSnapshot("hank")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.MaxDrawdown != 0 {
		t.Errorf("drawdown = %v, want 0", snap.MaxDrawdown)
	}
}

func TestProviders(t *testing.T) {
	cfg := testConfig()
	if got := Providers(cfg); len(got) != 0 {
		t.Fatalf("no urls configured, got %d providers", len(got))
	}

	cfg.Feed.BinanceWSURL = "wss://stream.example"
	cfg.Feed.PolygonWSURL = "wss://polygon.example/stocks"
	cfg.Feed.FinnhubWSURL = "wss://finnhub.example"
	cfg.Feed.FinnhubAPIKey = "key"

	got := Providers(cfg)
	// polygon has no api key
	if len(got) != 2 {
		t.Fatalf("providers = %d, want 2", len(got))
	}
	if got[0].Name != "binance" || len(got[0].Symbols) != 1 || got[0].Symbols[0] != "BTCUSDT" {
		t.Errorf("binance = %+v", got[0])
	}
	if got[1].Name != "finnhub" || got[1].Symbols[0] != "AAPL" {
		t.Errorf("finnhub = %+v", got[1])
	}
}

func TestApp_Health(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), nil)

	if _, err := a.SubmitOrder(context.Background(), "ivy", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Limit,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewNullDecimal(decimal.NewFromInt(10)),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	h := a.Health()
	if h.Status != "ok" {
		t.Errorf("status = %s", h.Status)
	}
	if h.PendingOrders != 1 {
		t.Errorf("pending = %d, want 1", h.PendingOrders)
	}
	if len(h.Symbols) != 2 {
		t.Errorf("symbols = %v", h.Symbols)
	}
}

func TestNew_RequiresSymbols(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Symbols = nil
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatal("expected error without symbols")
	}
}

func TestApp_RestartKeepsFillHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	cfg := testConfig()
	ctx := context.Background()

	open := func() (*App, *storage.PebbleStore, *util.ManualClock) {
		store, err := storage.NewPebbleStore(path)
		if err != nil {
			t.Fatal(err)
		}
		clock := util.NewManualClock(t0.Add(time.Second))
		a, err := New(Options{Config: cfg, Store: store, Clock: clock})
		if err != nil {
			t.Fatal(err)
		}
		if err := a.Start(ctx); err != nil {
			t.Fatal(err)
		}
		return a, store, clock
	}

	a, store, _ := open()
	publish(t, a, "AAPL", "100")
	if _, err := a.SubmitOrder(ctx, "ruth", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Buy, Kind: account.Market, Quantity: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := a.SubmitOrder(ctx, "ruth", engine.OrderRequest{
		Symbol: "AAPL", Side: account.Sell, Kind: account.Limit, Quantity: decimal.NewFromInt(10),
		Price: decimal.NewNullDecimal(decimal.NewFromInt(110)),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// a late trade from another feed, stamped before the buy
	late := market.Tick{
		Symbol:    "AAPL",
		Price:     decimal.NewFromInt(110),
		Size:      decimal.NewFromInt(1),
		Timestamp: t0.Add(900 * time.Millisecond),
		Source:    "test",
	}
	if err := a.Bus.Publish(late); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "limit sell fill", func() bool {
		o, err := a.GetOrder("ruth", sell.ID)
		return err == nil && o.Status == account.Filled
	})

	before, err := a.GetSnapshot("ruth")
	if err != nil {
		t.Fatal(err)
	}
	if !before.RealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("realized before restart = %s, want 100", before.RealizedPnL)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	store.Close()

	a2, store2, _ := open()
	t.Cleanup(func() {
		a2.Close()
		store2.Close()
	})

	after, err := a2.GetSnapshot("ruth")
	if err != nil {
		t.Fatal(err)
	}
	if !after.RealizedPnL.Equal(before.RealizedPnL) || !after.Cash.Equal(before.Cash) {
		t.Errorf("after restart realized = %s cash = %s, before realized = %s cash = %s",
			after.RealizedPnL, after.Cash, before.RealizedPnL, before.Cash)
	}

	fills, err := a2.Fills("ruth")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 || fills[0].Side != account.Buy || fills[1].Side != account.Sell {
		t.Fatalf("fills after restart = %+v, want buy then sell", fills)
	}
	if fills[0].Seq != 1 || fills[1].Seq != 2 {
		t.Errorf("fill seqs = %d, %d", fills[0].Seq, fills[1].Seq)
	}
}
