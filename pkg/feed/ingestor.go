package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/util"
)

// Publisher receives every valid tick exactly once
type Publisher interface {
	Publish(t market.Tick) error
}

type Config struct {
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	JitterPercent    uint64
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectMin:     1 * time.Second,
		ReconnectMax:     30 * time.Second,
		JitterPercent:    20,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// ProviderHealth is the per-provider watermark reported by /health
type ProviderHealth struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	LastSeen   time.Time `json:"lastSeen"`
	Received   uint64    `json:"received"`
	Dropped    uint64    `json:"dropped"`
	Reconnects uint64    `json:"reconnects"`
	LastError  string    `json:"lastError,omitempty"`
}

type providerState struct {
	mu     sync.Mutex
	health ProviderHealth
	last   map[string]time.Time // symbol -> newest published tick timestamp
}

// Ingestor keeps one connection per provider and publishes normalized ticks.
// Providers reconnect independently; a dead feed never stalls the others.
type Ingestor struct {
	providers []Provider
	pub       Publisher
	cfg       Config
	dialer    *websocket.Dialer
	clock     util.Clock

	states  map[string]*providerState
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewIngestor(pub Publisher, providers []Provider, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Ingestor {
	def := DefaultConfig()
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	states := make(map[string]*providerState, len(providers))
	for _, p := range providers {
		states[p.Name] = &providerState{
			health: ProviderHealth{Name: p.Name},
			last:   make(map[string]time.Time),
		}
	}

	return &Ingestor{
		providers: providers,
		pub:       pub,
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		clock:     util.RealClock{},
		states:    states,
		metrics:   metrics.OrNew(m),
		log:       util.OrNop(log),
	}
}

// Run blocks until ctx is cancelled
func (in *Ingestor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range in.providers {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			in.runProvider(ctx, p)
		}(&in.providers[i])
	}
	wg.Wait()
}

// Health returns a snapshot of every provider's watermark, sorted by name
func (in *Ingestor) Health() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(in.states))
	for _, st := range in.states {
		st.mu.Lock()
		out = append(out, st.health)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// newBackoff caps before jittering so the jitter math never sees the
// overflowed exponential, then caps again to keep the result bounded.
func (in *Ingestor) newBackoff() retry.Backoff {
	b := retry.WithCappedDuration(in.cfg.ReconnectMax, retry.NewExponential(in.cfg.ReconnectMin))
	if in.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(in.cfg.JitterPercent, b)
	}
	return retry.WithCappedDuration(in.cfg.ReconnectMax, b)
}

func (in *Ingestor) runProvider(ctx context.Context, p *Provider) {
	st := in.states[p.Name]
	backoff := in.newBackoff()

	in.log.Infow("feed_provider_starting", "provider", p.Name, "symbols", len(p.Symbols))

	for {
		delivered, err := in.session(ctx, p)
		in.setConnected(st, false, err)
		if ctx.Err() != nil {
			in.log.Infow("feed_provider_stopped", "provider", p.Name)
			return
		}

		// a connection that carried data counts as healthy; start over
		if delivered {
			backoff = in.newBackoff()
		}
		delay, _ := backoff.Next()

		st.mu.Lock()
		st.health.Reconnects++
		st.mu.Unlock()
		in.metrics.FeedReconnects.WithLabelValues(p.Name).Inc()
		in.log.Warnw("feed_reconnecting", "provider", p.Name, "err", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-in.clock.After(delay):
		}
	}
}

// session runs one connection until it fails or ctx ends. delivered reports
// whether at least one tick was published.
func (in *Ingestor) session(ctx context.Context, p *Provider) (delivered bool, err error) {
	conn, _, err := in.dialer.DialContext(ctx, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", p.Name, err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		// unblocks ReadMessage
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(in.cfg.WriteTimeout))
		conn.Close()
	}()

	if p.Subscribe != nil {
		frames, err := p.Subscribe(p.Symbols)
		if err != nil {
			return false, fmt.Errorf("build subscribe frames: %w", err)
		}
		for _, f := range frames {
			conn.SetWriteDeadline(time.Now().Add(in.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return false, fmt.Errorf("subscribe %s: %w", p.Name, err)
			}
		}
	}

	st := in.states[p.Name]
	in.setConnected(st, true, nil)
	in.log.Infow("feed_connected", "provider", p.Name)

	conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
		return nil
	})
	go in.keepalive(connCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, fmt.Errorf("read %s: %w", p.Name, err)
		}
		conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
		if in.handle(p, raw) > 0 {
			delivered = true
		}
	}
}

func (in *Ingestor) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(in.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(in.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handle normalizes one frame, drops invalid ticks and publishes the rest.
// It returns the number of ticks published.
func (in *Ingestor) handle(p *Provider, raw []byte) int {
	st := in.states[p.Name]

	ticks, err := p.Normalizer.Normalize(raw)
	if errors.Is(err, ErrIgnored) {
		return 0
	}
	if err != nil {
		in.drop(st, p.Name, "malformed", err)
		return 0
	}

	published := 0
	for _, t := range ticks {
		if t.Source == "" {
			t.Source = p.Name
		}
		if err := t.Validate(); err != nil {
			in.drop(st, p.Name, "invalid", err)
			continue
		}

		st.mu.Lock()
		if prev, ok := st.last[t.Symbol]; ok && t.Timestamp.Before(prev) {
			st.mu.Unlock()
			in.drop(st, p.Name, "out_of_order", nil)
			continue
		}
		st.last[t.Symbol] = t.Timestamp
		st.mu.Unlock()

		if err := in.pub.Publish(t); err != nil {
			in.log.Warnw("feed_publish_failed", "provider", p.Name, "symbol", t.Symbol, "err", err)
			continue
		}
		published++
		in.metrics.FeedTicks.WithLabelValues(p.Name).Inc()

		st.mu.Lock()
		st.health.Received++
		st.health.LastSeen = in.clock.Now()
		st.mu.Unlock()
	}
	return published
}

func (in *Ingestor) drop(st *providerState, provider, reason string, err error) {
	st.mu.Lock()
	st.health.Dropped++
	st.mu.Unlock()
	in.metrics.FeedDropped.WithLabelValues(provider, reason).Inc()
	in.log.Debugw("feed_message_dropped", "provider", provider, "reason", reason, "err", err)
}

func (in *Ingestor) setConnected(st *providerState, connected bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.health.Connected = connected
	if err != nil {
		st.health.LastError = err.Error()
	}
}
