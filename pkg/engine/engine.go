package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/metrics"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/util"
)

const (
	ReasonExpired  = "expired"
	ReasonUnfilled = "unfilled" // immediate order with no executable quote
)

// QuoteSource gives the engine the current price of a symbol without I/O
type QuoteSource interface {
	Get(symbol string) (quote.Quote, bool)
}

// Commission is max(notional × Rate, Min). The zero value charges nothing.
type Commission struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
}

func (c Commission) Fee(notional decimal.Decimal) decimal.Decimal {
	fee := notional.Mul(c.Rate)
	if fee.LessThan(c.Min) {
		fee = c.Min
	}
	return fee
}

// OrderRequest is a user's order submission. Price must be unset for market
// orders and positive for every other kind. StopPrice is required for
// stop-limit orders and rejected for the rest.
type OrderRequest struct {
	Symbol        string
	Side          account.Side
	Kind          account.Kind
	Quantity      decimal.Decimal
	Price         decimal.NullDecimal
	StopPrice     decimal.NullDecimal
	TIF           account.TimeInForce
	ClientOrderID string
}

type EventType string

const (
	EventAccepted  EventType = "accepted"
	EventFilled    EventType = "filled"
	EventCancelled EventType = "cancelled"
	EventRejected  EventType = "rejected"
	EventTriggered EventType = "triggered" // stop-limit now resting at its limit
)

// Event reports an order state change. Fill is set for EventFilled only.
type Event struct {
	Type  EventType
	Order account.Order
	Fill  *account.Fill
}

type Options struct {
	Accounts   *account.Manager
	Registry   *market.Registry
	Quotes     QuoteSource
	Clock      util.Clock
	Commission Commission
	Metrics    *metrics.Metrics
	Logger     *zap.SugaredLogger
}

// Engine accepts orders, keeps pending ones indexed by symbol and trigger
// price, and settles them against ticks.
//
// Locking: a user's ledger lock may be held while taking a book lock, never
// the other way round. OnTick pops due orders under the book lock, releases
// it, then settles each one under its owner's lock after re-checking that the
// order is still pending. That re-check is what makes cancel and fill
// mutually exclusive.
type Engine struct {
	accounts   *account.Manager
	registry   *market.Registry
	quotes     QuoteSource
	clock      util.Clock
	commission Commission
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger

	seq atomic.Uint64

	mu    sync.RWMutex
	books map[string]*book

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Accounts == nil {
		opts.Accounts = account.NewManager(nil, decimal.Zero, opts.Clock, opts.Logger)
	}
	if opts.Registry == nil {
		opts.Registry = market.NewRegistry()
	}
	return &Engine{
		accounts:   opts.Accounts,
		registry:   opts.Registry,
		quotes:     opts.Quotes,
		clock:      opts.Clock,
		commission: opts.Commission,
		metrics:    metrics.OrNew(opts.Metrics),
		log:        util.OrNop(opts.Logger),
		books:      make(map[string]*book),
	}
}

// OnEvent registers a listener called after every order state change.
// Listeners run on the goroutine that caused the change, after the user's
// lock is released.
func (e *Engine) OnEvent(fn func(Event)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	e.listenersMu.RLock()
	ls := e.listeners
	e.listenersMu.RUnlock()

	for _, ev := range events {
		for _, fn := range ls {
			fn(ev)
		}
	}
}

func (e *Engine) book(symbol string, create bool) *book {
	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok || !create {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[symbol]; !ok {
		b = newBook()
		e.books[symbol] = b
	}
	return b
}

func (e *Engine) validate(req *OrderRequest) error {
	req.Symbol = market.NormalizeSymbol(req.Symbol)
	if req.Symbol == "" || !e.registry.Tradable(req.Symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, req.Symbol)
	}
	if !req.Side.Valid() {
		return ErrInvalidSide
	}
	if !req.Kind.Valid() {
		return ErrInvalidKind
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, req.Quantity)
	}
	if req.Kind == account.StopLimit {
		if !req.StopPrice.Valid || !req.StopPrice.Decimal.IsPositive() {
			return fmt.Errorf("%w: stop_limit orders need a positive stop price", ErrInvalidPrice)
		}
	} else if req.StopPrice.Valid {
		return fmt.Errorf("%w: only stop_limit orders take a stop price", ErrInvalidPrice)
	}
	if req.TIF.Immediate() && req.Kind == account.StopLimit {
		return fmt.Errorf("%w: stop_limit orders cannot be %s", ErrInvalidKind, req.TIF)
	}
	if req.Kind == account.Market {
		if req.Price.Valid {
			return fmt.Errorf("%w: market orders take no price", ErrInvalidPrice)
		}
		return nil
	}
	if !req.Price.Valid || !req.Price.Decimal.IsPositive() {
		return fmt.Errorf("%w: %s orders need a positive price", ErrInvalidPrice, req.Kind)
	}
	return nil
}

// Submit validates and records an order. A market order fills immediately
// when a fresh quote exists; otherwise it rests and fills on the next tick.
// Resubmitting a known ClientOrderID returns the original order.
func (e *Engine) Submit(user string, req OrderRequest) (account.Order, error) {
	if err := e.validate(&req); err != nil {
		e.metrics.Orders.WithLabelValues(req.Kind.String(), "invalid").Inc()
		return account.Order{}, err
	}

	var (
		out    account.Order
		events []Event
	)
	err := e.accounts.WithUser(user, func(l *account.Ledger) error {
		if req.ClientOrderID != "" {
			if id, ok := l.ClientIDs[req.ClientOrderID]; ok {
				out = *l.Orders[id]
				return nil
			}
		}

		now := e.clock.Now()
		o := &account.Order{
			ID:            uuid.NewString(),
			UserID:        user,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Kind:          req.Kind,
			TIF:           req.TIF,
			Quantity:      req.Quantity,
			Price:         req.Price.Decimal,
			StopPrice:     req.StopPrice.Decimal,
			Status:        account.Pending,
			ClientOrderID: req.ClientOrderID,
			Seq:           e.seq.Add(1),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if o.TIF == account.Day {
			o.ExpiresAt = account.EndOfDay(now)
		}

		if o.Kind == account.Market && e.quotes != nil {
			if q, ok := e.quotes.Get(o.Symbol); ok && !q.Stale {
				if err := e.checkCapacity(l.Account, o, q.Price); err != nil {
					return err
				}
				l.Track(o)
				ev, err := e.execute(l, o, q.Price, now)
				events = append(events, ev)
				out = *o
				return err
			}
		}

		if o.TIF.Immediate() {
			ev, err := e.fillOrKill(l, o, now)
			if ev.Type != "" {
				events = append(events, ev)
			}
			out = *o
			return err
		}

		if err := e.reserve(l.Account, o); err != nil {
			return err
		}
		l.Track(o)
		if err := l.Commit([]*account.Order{o}, nil); err != nil {
			e.release(l.Account, o)
			l.Untrack(o)
			return fmt.Errorf("persist order: %w", err)
		}
		e.book(o.Symbol, true).add(o)

		out = *o
		events = append(events, Event{Type: EventAccepted, Order: *o})
		return nil
	})
	if err != nil {
		e.metrics.Orders.WithLabelValues(req.Kind.String(), "rejected").Inc()
		e.log.Infow("order_rejected", "user", user, "symbol", req.Symbol, "kind", req.Kind.String(), "err", err)
		return account.Order{}, err
	}

	if len(events) > 0 && events[0].Type == EventAccepted {
		e.metrics.Orders.WithLabelValues(req.Kind.String(), "accepted").Inc()
		e.log.Debugw("order_accepted", "user", user, "id", out.ID, "symbol", out.Symbol,
			"side", out.Side.String(), "kind", out.Kind.String(), "price", out.Price.String(), "qty", out.Quantity.String())
	}
	e.emit(events)
	return out, nil
}

// fillOrKill settles an immediate order against the cached quote at
// submission. Without a fresh eligible quote the order is recorded as
// cancelled with ReasonUnfilled.
func (e *Engine) fillOrKill(l *account.Ledger, o *account.Order, at time.Time) (Event, error) {
	var (
		q  quote.Quote
		ok bool
	)
	if e.quotes != nil {
		q, ok = e.quotes.Get(o.Symbol)
	}
	if ok && !q.Stale && o.Eligible(q.Price) {
		price := o.ExecutionPrice(q.Price)
		if err := e.checkCapacity(l.Account, o, price); err != nil {
			return Event{}, err
		}
		l.Track(o)
		return e.execute(l, o, price, at)
	}

	o.Status = account.Cancelled
	o.Reason = ReasonUnfilled
	l.Track(o)
	if err := l.Commit([]*account.Order{o}, nil); err != nil {
		l.Untrack(o)
		return Event{}, fmt.Errorf("persist order: %w", err)
	}
	e.metrics.Orders.WithLabelValues(o.Kind.String(), ReasonUnfilled).Inc()
	e.log.Infow("order_unfilled", "user", o.UserID, "id", o.ID, "symbol", o.Symbol, "tif", o.TIF.String())
	return Event{Type: EventCancelled, Order: *o}, nil
}

// checkCapacity verifies the account can take the order at price right now
func (e *Engine) checkCapacity(acc *account.Account, o *account.Order, price decimal.Decimal) error {
	if o.Side == account.Buy {
		notional := price.Mul(o.Quantity)
		need := notional.Add(e.commission.Fee(notional))
		if have := acc.AvailableCash(); have.LessThan(need) {
			return fmt.Errorf("%w: need %s, available %s", ErrInsufficientCash, need, have)
		}
		return nil
	}
	if have := acc.AvailableQty(o.Symbol); have.LessThan(o.Quantity) {
		return fmt.Errorf("%w: need %s %s, available %s", ErrInsufficientPosition, o.Quantity, o.Symbol, have)
	}
	return nil
}

// reserve holds cash (buys) or quantity (sells) for a resting order. Buys with
// no price (resting market orders) reserve nothing and are checked at fill.
func (e *Engine) reserve(acc *account.Account, o *account.Order) error {
	if o.Side == account.Sell {
		if err := e.checkCapacity(acc, o, o.Price); err != nil {
			return err
		}
		o.Reserved = o.Quantity
		acc.ReservedQty[o.Symbol] = acc.ReservedQty[o.Symbol].Add(o.Quantity)
		return nil
	}

	if o.Kind == account.Market {
		return nil
	}
	if err := e.checkCapacity(acc, o, o.Price); err != nil {
		return err
	}
	notional := o.Price.Mul(o.Quantity)
	o.Reserved = notional.Add(e.commission.Fee(notional))
	acc.ReservedCash = acc.ReservedCash.Add(o.Reserved)
	return nil
}

func (e *Engine) release(acc *account.Account, o *account.Order) {
	if o.Reserved.IsZero() {
		return
	}
	if o.Side == account.Buy {
		acc.ReservedCash = acc.ReservedCash.Sub(o.Reserved)
	} else {
		left := acc.ReservedQty[o.Symbol].Sub(o.Reserved)
		if left.IsZero() {
			delete(acc.ReservedQty, o.Symbol)
		} else {
			acc.ReservedQty[o.Symbol] = left
		}
	}
	o.Reserved = decimal.Zero
}

// execute settles a pending order at price. The caller holds the owner's lock.
// A capacity failure rejects the order and is reported through the event.
func (e *Engine) execute(l *account.Ledger, o *account.Order, price decimal.Decimal, at time.Time) (Event, error) {
	acc := l.Account
	e.release(acc, o)

	if err := e.checkCapacity(acc, o, price); err != nil {
		o.Status = account.Rejected
		o.Reason = err.Error()
		o.UpdatedAt = at
		if cerr := l.Commit([]*account.Order{o}, nil); cerr != nil {
			e.log.Errorw("persist_rejection_failed", "id", o.ID, "err", cerr)
		}
		e.metrics.Orders.WithLabelValues(o.Kind.String(), "rejected").Inc()
		e.log.Infow("order_rejected", "user", o.UserID, "id", o.ID, "symbol", o.Symbol, "reason", o.Reason)
		return Event{Type: EventRejected, Order: *o}, err
	}

	notional := price.Mul(o.Quantity)
	fee := e.commission.Fee(notional)
	fill := &account.Fill{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     price,
		Quantity:  o.Quantity,
		Fee:       fee,
		Timestamp: at,
		Seq:       l.NextFillSeq(),
	}

	acc.Cash = acc.Cash.Add(fill.CashDelta())
	fill.RealizedPnL = acc.Position(o.Symbol).Apply(o.Side, o.Quantity, price)

	o.Status = account.Filled
	o.FillID = fill.ID
	o.FillPrice = price
	o.UpdatedAt = at
	l.Fills = append(l.Fills, *fill)

	if err := l.Commit([]*account.Order{o}, fill); err != nil {
		e.log.Errorw("persist_fill_failed", "id", o.ID, "err", err)
	}

	e.metrics.Orders.WithLabelValues(o.Kind.String(), "filled").Inc()
	e.metrics.Fills.WithLabelValues(o.Symbol).Inc()
	e.log.Infow("order_filled",
		"user", o.UserID, "id", o.ID, "symbol", o.Symbol, "side", o.Side.String(),
		"kind", o.Kind.String(), "qty", o.Quantity.String(), "price", price.String(), "fee", fee.String())

	return Event{Type: EventFilled, Order: *o, Fill: fill}, nil
}

// trigger arms a stop-limit order whose stop was reached. It reports whether
// the order keeps resting because the trade did not also reach the limit.
// The caller holds the owner's lock.
func (e *Engine) trigger(l *account.Ledger, o *account.Order, price decimal.Decimal, at time.Time) (Event, bool) {
	o.Triggered = true
	o.UpdatedAt = at
	ev := Event{Type: EventTriggered, Order: *o}
	e.log.Infow("order_triggered", "user", o.UserID, "id", o.ID, "symbol", o.Symbol,
		"stop", o.StopPrice.String(), "limit", o.Price.String(), "trade", price.String())

	if o.Eligible(price) {
		return ev, false
	}
	if err := l.Commit([]*account.Order{o}, nil); err != nil {
		e.log.Errorw("persist_trigger_failed", "id", o.ID, "err", err)
	}
	e.book(o.Symbol, true).add(o)
	return ev, true
}

// OnTick evaluates the symbol's pending orders against a trade. Ticks of one
// symbol must be delivered sequentially; the bus lanes guarantee that.
func (e *Engine) OnTick(t market.Tick) {
	b := e.book(t.Symbol, false)
	if b == nil {
		return
	}

	at := t.Timestamp
	if at.IsZero() {
		at = e.clock.Now()
	}

	for _, r := range b.popEligible(t.Price) {
		var events []Event
		err := e.accounts.WithUser(r.user, func(l *account.Ledger) error {
			o, ok := l.Orders[r.id]
			if !ok || o.Status != account.Pending {
				// lost the race to a cancel or expiry
				return nil
			}
			if o.Kind == account.StopLimit && !o.Triggered {
				ev, rest := e.trigger(l, o, t.Price, at)
				events = append(events, ev)
				if rest {
					return nil
				}
			}
			ev, _ := e.execute(l, o, o.ExecutionPrice(t.Price), at)
			events = append(events, ev)
			return nil
		})
		if err != nil {
			e.log.Errorw("settle_failed", "user", r.user, "id", r.id, "err", err)
			continue
		}
		e.emit(events)
	}
}

// Cancel moves a pending order to Cancelled. If the order already filled,
// expired or was cancelled, ErrOrderNotPending is returned and nothing changes.
func (e *Engine) Cancel(user, id string) (account.Order, error) {
	return e.cancel(user, id, "cancelled by user")
}

func (e *Engine) cancel(user, id, reason string) (account.Order, error) {
	var out account.Order
	err := e.accounts.View(user, func(l *account.Ledger) error {
		o, ok := l.Orders[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		if o.Status != account.Pending {
			out = *o
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotPending, id, o.Status)
		}

		if b := e.book(o.Symbol, false); b != nil {
			b.remove(o.ID)
		}
		e.release(l.Account, o)
		o.Status = account.Cancelled
		o.Reason = reason
		o.UpdatedAt = e.clock.Now()
		if err := l.Commit([]*account.Order{o}, nil); err != nil {
			e.log.Errorw("persist_cancel_failed", "id", o.ID, "err", err)
		}
		out = *o
		return nil
	})
	if err != nil {
		return out, err
	}

	outcome := "cancelled"
	if reason == ReasonExpired {
		outcome = "expired"
	}
	e.metrics.Orders.WithLabelValues(out.Kind.String(), outcome).Inc()
	e.log.Infow("order_cancelled", "user", user, "id", id, "reason", reason)
	e.emit([]Event{{Type: EventCancelled, Order: out}})
	return out, nil
}

// ExpireDayOrders cancels every day order whose session ended at or before
// now and returns how many were expired.
func (e *Engine) ExpireDayOrders(now time.Time) int {
	expired := 0
	for _, user := range e.accounts.Users() {
		var due []string
		_ = e.accounts.WithUser(user, func(l *account.Ledger) error {
			for _, o := range l.Pending() {
				if o.TIF == account.Day && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
					due = append(due, o.ID)
				}
			}
			return nil
		})
		for _, id := range due {
			if _, err := e.cancel(user, id, ReasonExpired); err == nil {
				expired++
			}
		}
	}
	return expired
}

// Restore re-indexes pending orders after the account manager loaded its
// ledgers from storage.
func (e *Engine) Restore() error {
	pending, err := e.accounts.Restore()
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.Seq > e.seq.Load() {
			e.seq.Store(o.Seq)
		}
		e.book(o.Symbol, true).add(o)
	}
	e.log.Infow("engine_restored", "pending", len(pending))
	return nil
}

// Order returns one of the user's orders
func (e *Engine) Order(user, id string) (account.Order, error) {
	var out account.Order
	err := e.accounts.View(user, func(l *account.Ledger) error {
		o, ok := l.Orders[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		out = *o
		return nil
	})
	return out, err
}

// Orders lists the user's orders, newest first. With statuses given only
// orders in one of those states are returned.
func (e *Engine) Orders(user string, statuses ...account.OrderStatus) ([]account.Order, error) {
	var out []account.Order
	err := e.accounts.View(user, func(l *account.Ledger) error {
		for _, o := range l.Orders {
			if len(statuses) > 0 && !hasStatus(statuses, o.Status) {
				continue
			}
			out = append(out, *o)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, err
}

func hasStatus(in []account.OrderStatus, s account.OrderStatus) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}

// Fills returns the user's fills, oldest first
func (e *Engine) Fills(user string) ([]account.Fill, error) {
	var out []account.Fill
	err := e.accounts.View(user, func(l *account.Ledger) error {
		out = append(out, l.Fills...)
		return nil
	})
	return out, err
}

// Account returns a copy of the user's account
func (e *Engine) Account(user string) (account.Account, error) {
	return e.accounts.Account(user)
}

// Accounts exposes the ledger manager the engine settles against
func (e *Engine) Accounts() *account.Manager { return e.accounts }

// PendingCount is the number of indexed pending orders for symbol
func (e *Engine) PendingCount(symbol string) int {
	b := e.book(symbol, false)
	if b == nil {
		return 0
	}
	return b.len()
}

// Users lists every user with a ledger
func (e *Engine) Users() []string { return e.accounts.Users() }
