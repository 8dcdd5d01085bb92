package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/util"
)

var ErrClosed = errors.New("bus closed")

// Handler consumes ticks on the non-lossy path. Calls for one symbol are
// sequential and in arrival order; different symbols run concurrently.
type Handler func(market.Tick)

type Options struct {
	SubscriberBuffer int // capacity of each lossy subscription
	LaneDepth        int // reliable lane backlog that triggers a warning, repeated at each multiple
	Metrics          *metrics.Metrics
	Logger           *zap.SugaredLogger
}

type namedHandler struct {
	name string
	fn   Handler
}

// Bus fans ticks out on two paths:
//   - lossy subscriptions (live display): bounded, drop-oldest, never block Publish
//   - reliable handlers (execution, valuation, cache): per-symbol FIFO lanes that
//     never drop and never block Publish; a slow handler grows only its own
//     symbol's backlog
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{} // symbol -> lossy subscriptions
	lanes    map[string]*lane                       // symbol -> reliable lane
	handlers []namedHandler
	closed   bool

	bufSize   int
	laneDepth int
	dropped   atomic.Uint64
	wg        sync.WaitGroup

	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func New(opts Options) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.LaneDepth <= 0 {
		opts.LaneDepth = 1024
	}
	return &Bus{
		subs:      make(map[string]map[*Subscription]struct{}),
		lanes:     make(map[string]*lane),
		bufSize:   opts.SubscriberBuffer,
		laneDepth: opts.LaneDepth,
		metrics:   metrics.OrNew(opts.Metrics),
		log:       util.OrNop(opts.Logger),
	}
}

// Publish delivers t to every lossy subscriber of t.Symbol and enqueues it on
// the symbol's reliable lane.
func (b *Bus) Publish(t market.Tick) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	for s := range b.subs[t.Symbol] {
		s.offer(t)
	}
	ln := b.lanes[t.Symbol]
	reliable := len(b.handlers) > 0
	b.mu.RUnlock()

	if !reliable {
		return nil
	}
	if ln == nil {
		var err error
		if ln, err = b.lane(t.Symbol); err != nil {
			return err
		}
	}
	n, ok := ln.push(t)
	if !ok {
		return ErrClosed
	}
	b.metrics.BusBacklog.WithLabelValues(t.Symbol).Set(float64(n))
	if n%b.laneDepth == 0 {
		b.log.Warnw("bus_lane_backlog", "symbol", t.Symbol, "depth", n)
	}
	return nil
}

// Subscribe registers a lossy subscription for one symbol. The subscriber sees
// ticks published after this call only.
func (b *Bus) Subscribe(symbol string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := newSubscription(b, symbol, b.bufSize)
	set, ok := b.subs[symbol]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[symbol] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// SubscribeReliable registers a handler on the non-lossy path for all symbols
func (b *Bus) SubscribeReliable(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, namedHandler{name: name, fn: h})
	b.log.Infow("bus_reliable_subscriber", "name", name)
	return nil
}

// Subscribers returns the number of lossy subscriptions for symbol
func (b *Bus) Subscribers(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[symbol])
}

// Backlog returns the number of ticks queued on symbol's reliable lane
func (b *Bus) Backlog(symbol string) int {
	b.mu.RLock()
	ln := b.lanes[symbol]
	b.mu.RUnlock()
	if ln == nil {
		return 0
	}
	return ln.len()
}

// Dropped returns the total number of ticks dropped across lossy subscribers
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close drains every reliable lane, then closes all lossy subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	lanes := b.lanes
	subs := b.subs
	b.lanes = make(map[string]*lane)
	b.subs = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, ln := range lanes {
		ln.stop()
	}
	b.wg.Wait()

	for _, set := range subs {
		for s := range set {
			s.shutdown()
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.symbol]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.symbol)
	}
}

func (b *Bus) recordDrop(symbol string) {
	b.dropped.Add(1)
	b.metrics.BusDropped.WithLabelValues(symbol).Inc()
}

func (b *Bus) reliableHandlers() []namedHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers
}

// lane returns the reliable lane for symbol, starting it on first use
func (b *Bus) lane(symbol string) (*lane, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if ln, ok := b.lanes[symbol]; ok {
		return ln, nil
	}
	ln := &lane{
		symbol: symbol,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.lanes[symbol] = ln
	b.wg.Add(1)
	go b.runLane(ln)
	return ln, nil
}

func (b *Bus) runLane(ln *lane) {
	defer b.wg.Done()
	for {
		select {
		case <-ln.ready:
			b.drain(ln)
		case <-ln.done:
			b.drain(ln)
			return
		}
	}
}

// drain hands every queued tick to the handlers in arrival order
func (b *Bus) drain(ln *lane) {
	for {
		batch := ln.take()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			b.dispatch(t)
		}
		b.metrics.BusBacklog.WithLabelValues(ln.symbol).Set(float64(ln.settle()))
	}
}

func (b *Bus) dispatch(t market.Tick) {
	for _, h := range b.reliableHandlers() {
		h.fn(t)
	}
}

// lane is an unbounded FIFO for one symbol on the reliable path. Producers
// append under mu; the lane goroutine swaps the whole queue out.
type lane struct {
	symbol string

	mu      sync.Mutex
	queue   []market.Tick
	pending int // ticks taken but not yet dispatched
	stopped bool

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

// push enqueues t without blocking and returns the backlog. It returns false
// once the lane stops.
func (l *lane) push(t market.Tick) (int, bool) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0, false
	}
	l.queue = append(l.queue, t)
	n := len(l.queue) + l.pending
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return n, true
}

func (l *lane) take() []market.Tick {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	l.pending = len(batch)
	return batch
}

// settle marks the last batch handled and returns what is still queued
func (l *lane) settle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = 0
	return len(l.queue)
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + l.pending
}

func (l *lane) stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.done)
	})
}
