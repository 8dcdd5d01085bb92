package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/util"
)

var (
	ErrInvalidUser   = errors.New("invalid user id")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Store persists ledgers. Implementations must apply a Change atomically.
type Store interface {
	LoadAccount(user string) (*Account, error)
	LoadAccounts() ([]*Account, error)
	LoadOrders(user string) ([]*Order, error)
	LoadFills(user string) ([]Fill, error)
	Commit(c Change) error
}

// Change is one atomic unit of ledger persistence
type Change struct {
	Account *Account
	Orders  []*Order
	Fill    *Fill
}

// Ledger is everything owned by one user. It is only ever touched while the
// user's lock is held, so every account mutation for a user is serialized.
type Ledger struct {
	Account   *Account
	Orders    map[string]*Order
	Fills     []Fill            // oldest first
	ClientIDs map[string]string // client order id -> order id

	store Store
}

// Commit persists the account plus the given orders and fill in one batch
func (l *Ledger) Commit(orders []*Order, fill *Fill) error {
	if l.store == nil {
		return nil
	}
	return l.store.Commit(Change{Account: l.Account, Orders: orders, Fill: fill})
}

// Track registers a newly created order with the ledger
func (l *Ledger) Track(o *Order) {
	l.Orders[o.ID] = o
	if o.ClientOrderID != "" {
		l.ClientIDs[o.ClientOrderID] = o.ID
	}
}

// NextFillSeq numbers the next fill in the user's history
func (l *Ledger) NextFillSeq() uint64 {
	if n := len(l.Fills); n > 0 {
		return l.Fills[n-1].Seq + 1
	}
	return 1
}

// Untrack forgets an order that was never persisted
func (l *Ledger) Untrack(o *Order) {
	delete(l.Orders, o.ID)
	if o.ClientOrderID != "" && l.ClientIDs[o.ClientOrderID] == o.ID {
		delete(l.ClientIDs, o.ClientOrderID)
	}
}

// Pending returns the ledger's pending orders ordered by submission
func (l *Ledger) Pending() []*Order {
	var out []*Order
	for _, o := range l.Orders {
		if o.Status == Pending {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

type userEntry struct {
	mu     sync.Mutex
	ledger *Ledger     // nil until loaded under mu
	ready  atomic.Bool // ledger loaded and listed by Users
}

// Manager partitions state by user. Operations on different users run in
// parallel; operations on the same user are serialized by a per-user mutex.
// Store reads for a user happen under that user's mutex only.
type Manager struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	store        Store
	startingCash decimal.Decimal
	clock        util.Clock
	log          *zap.SugaredLogger
}

// NewManager creates a manager. A nil store keeps everything in memory.
func NewManager(store Store, startingCash decimal.Decimal, clock util.Clock, log *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		users:        make(map[string]*userEntry),
		store:        store,
		startingCash: startingCash,
		clock:        clock,
		log:          util.OrNop(log),
	}
}

// WithUser runs fn holding the user's lock. The ledger is loaded from the
// store, or opened with the starting cash, on first use.
func (m *Manager) WithUser(user string, fn func(l *Ledger) error) error {
	return m.with(user, true, fn)
}

// View runs fn like WithUser but never opens an account. A user with no
// account sees a fresh ledger holding the starting cash that is neither kept
// nor persisted.
func (m *Manager) View(user string, fn func(l *Ledger) error) error {
	return m.with(user, false, fn)
}

func (m *Manager) with(user string, create bool, fn func(l *Ledger) error) error {
	if user == "" || strings.ContainsAny(user, " \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}

	e := m.slot(user)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ledger == nil {
		l, err := m.load(user, create)
		if err != nil {
			return err
		}
		if l == nil {
			return fn(m.blank(user))
		}
		e.ledger = l
		e.ready.Store(true)
	}
	return fn(e.ledger)
}

// Deposit adds virtual cash to a user's account
func (m *Manager) Deposit(user string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return m.WithUser(user, func(l *Ledger) error {
		l.Account.Cash = l.Account.Cash.Add(amount)
		l.Account.Deposits = l.Account.Deposits.Add(amount)
		return l.Commit(nil, nil)
	})
}

// Account returns a copy of the user's account
func (m *Manager) Account(user string) (Account, error) {
	var out Account
	err := m.View(user, func(l *Ledger) error {
		out = l.Account.Clone()
		return nil
	})
	return out, err
}

// Users returns the ids of every user with an open account, sorted
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.users))
	for u, e := range m.users {
		if e.ready.Load() {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Restore loads every persisted account and returns their pending orders
func (m *Manager) Restore() ([]*Order, error) {
	if m.store == nil {
		return nil, nil
	}
	accounts, err := m.store.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	var pending []*Order
	for _, acc := range accounts {
		err := m.WithUser(acc.UserID, func(l *Ledger) error {
			pending = append(pending, l.Pending()...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	m.log.Infow("ledgers_restored", "accounts", len(accounts), "pending_orders", len(pending))
	return pending, nil
}

// slot returns the user's entry, adding an unloaded one if needed
func (m *Manager) slot(user string) *userEntry {
	m.mu.RLock()
	e, ok := m.users[user]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.users[user]; ok {
		return e
	}
	e = &userEntry{}
	m.users[user] = e
	return e
}

func (m *Manager) blank(user string) *Ledger {
	return &Ledger{
		Account:   NewAccount(user, m.startingCash, m.clock.Now()),
		Orders:    make(map[string]*Order),
		ClientIDs: make(map[string]string),
	}
}

// load reads a ledger from the store. Without a stored account it opens a
// fresh one when create is set and returns nil otherwise.
func (m *Manager) load(user string, create bool) (*Ledger, error) {
	if m.store == nil {
		if !create {
			return nil, nil
		}
		return m.blank(user), nil
	}

	acc, err := m.store.LoadAccount(user)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", user, err)
	}
	if acc == nil {
		if !create {
			return nil, nil
		}
		l := m.blank(user)
		l.store = m.store
		if err := l.Commit(nil, nil); err != nil {
			return nil, fmt.Errorf("create account %s: %w", user, err)
		}
		m.log.Infow("account_created", "user", user, "cash", m.startingCash.String())
		return l, nil
	}
	acc.ensureMaps()

	l := &Ledger{
		Account:   acc,
		Orders:    make(map[string]*Order),
		ClientIDs: make(map[string]string),
		store:     m.store,
	}
	orders, err := m.store.LoadOrders(user)
	if err != nil {
		return nil, fmt.Errorf("load orders %s: %w", user, err)
	}
	for _, o := range orders {
		l.Track(o)
	}

	if l.Fills, err = m.store.LoadFills(user); err != nil {
		return nil, fmt.Errorf("load fills %s: %w", user, err)
	}
	return l, nil
}
