package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/util"
)

var ErrRateLimited = errors.New("rate limited")

type Config struct {
	RPS   float64       // refill rate in tokens per second
	Burst int           // bucket capacity
	Idle  time.Duration // buckets unused for this long are evicted by Sweep

	// TrustedProxies may set X-Forwarded-For; see ClientIP
	TrustedProxies []netip.Prefix
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter is a token bucket per caller identity (user id, IP).
// Decisions never block or queue.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	clock   util.Clock
	metrics *metrics.Metrics
}

func New(cfg Config, clock util.Clock, m *metrics.Metrics) *Limiter {
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		clock:   clock,
		metrics: metrics.OrNew(m),
	}
}

// Allow takes one token for key or returns ErrRateLimited
func (l *Limiter) Allow(key string) error {
	now := l.clock.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.lim.AllowN(now, 1) {
		l.metrics.RateLimited.Inc()
		return ErrRateLimited
	}
	return nil
}

// Sweep evicts buckets idle for longer than Config.Idle and returns how many
// were removed. A removed caller starts again with a full bucket.
func (l *Limiter) Sweep() int {
	if l.cfg.Idle <= 0 {
		return 0
	}
	cutoff := l.clock.Now().Add(-l.cfg.Idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ParseProxies reads addresses and CIDR ranges such as "10.0.0.0/8"
func ParseProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ClientIP is the caller address used as a rate-limit key. It is the peer
// address unless the peer is a trusted proxy; then X-Forwarded-For is walked
// from the right and the first hop that is not a trusted proxy wins.
func (l *Limiter) ClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !l.trusted(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !l.trusted(hop) {
			return hop
		}
	}
	return peer
}

func (l *Limiter) trusted(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range l.cfg.TrustedProxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
