package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/util"
)

const redisKeyPrefix = "quote:"

func redisKey(symbol string) string { return redisKeyPrefix + symbol }

// RedisMirror copies the latest tick per symbol into Redis so other processes
// (and restarts) can serve a last price. Keys expire after ttl. Writes happen
// on the mirror's own goroutine; a tick still queued when a newer one for the
// same symbol arrives is replaced.
type RedisMirror struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]market.Tick
	signal  chan struct{}
	started atomic.Bool
	done    chan struct{}
}

func NewRedisMirror(rdb redis.Cmdable, ttl time.Duration, log *zap.SugaredLogger) *RedisMirror {
	return &RedisMirror{
		rdb:     rdb,
		ttl:     ttl,
		timeout: time.Second,
		log:     util.OrNop(log),
		pending: make(map[string]market.Tick),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Handle is a reliable bus handler. It queues t and returns at once.
func (m *RedisMirror) Handle(t market.Tick) {
	m.mu.Lock()
	m.pending[t.Symbol] = t
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Start runs the writer until ctx is done, then writes whatever is queued
func (m *RedisMirror) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.signal:
				m.Flush(context.Background())
			case <-ctx.Done():
				m.Flush(context.Background())
				return
			}
		}
	}()
}

// Close waits for the writer started by Start to finish its last flush
func (m *RedisMirror) Close() {
	if m.started.Load() {
		<-m.done
	}
}

// Flush writes every queued tick. Errors are logged; the mirror is best effort.
func (m *RedisMirror) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]market.Tick, len(batch))
	m.mu.Unlock()

	for _, t := range batch {
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.Write(wctx, t)
		cancel()
		if err != nil {
			m.log.Warnw("redis_mirror_write_failed", "symbol", t.Symbol, "err", err)
		}
	}
}

func (m *RedisMirror) Write(ctx context.Context, t market.Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	if err := m.rdb.Set(ctx, redisKey(t.Symbol), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RedisSource serves refreshes from the mirror
type RedisSource struct {
	rdb redis.Cmdable
}

func NewRedisSource(rdb redis.Cmdable) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Latest(ctx context.Context, symbol string) (market.Tick, error) {
	data, err := s.rdb.Get(ctx, redisKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.Tick{}, fmt.Errorf("%w: %s not mirrored", ErrNoQuote, symbol)
	}
	if err != nil {
		return market.Tick{}, fmt.Errorf("redis get: %w", err)
	}
	var t market.Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return market.Tick{}, fmt.Errorf("unmarshal tick: %w", err)
	}
	return t, nil
}
