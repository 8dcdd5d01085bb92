package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/uhyunpark/papertrade/pkg/market"
)

// Subscription is a lossy, bounded view of one symbol's ticks.
// When the buffer is full the oldest buffered tick is discarded.
type Subscription struct {
	bus    *Bus
	symbol string
	ch     chan market.Tick

	mu      sync.Mutex // serializes offer against shutdown
	closed  bool
	dropped atomic.Uint64
}

func newSubscription(b *Bus, symbol string, size int) *Subscription {
	return &Subscription{
		bus:    b,
		symbol: symbol,
		ch:     make(chan market.Tick, size),
	}
}

func (s *Subscription) Symbol() string { return s.symbol }

// C is closed when the subscription or the bus closes
func (s *Subscription) C() <-chan market.Tick { return s.ch }

// Dropped counts ticks discarded for this subscriber only
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Next blocks for the next tick, ctx cancellation, or close
func (s *Subscription) Next(ctx context.Context) (market.Tick, error) {
	select {
	case t, ok := <-s.ch:
		if !ok {
			return market.Tick{}, ErrClosed
		}
		return t, nil
	case <-ctx.Done():
		return market.Tick{}, ctx.Err()
	}
}

// Close unregisters from the bus; no tick is delivered afterwards
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) offer(t market.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- t:
		return
	default:
	}

	// full: evict the oldest, then retry once
	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.bus.recordDrop(s.symbol)
	default:
	}
	select {
	case s.ch <- t:
	default:
		s.dropped.Add(1)
		s.bus.recordDrop(s.symbol)
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
