package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/util"
)

// Ledgers is the read side of the execution engine
type Ledgers interface {
	Account(user string) (account.Account, error)
	Fills(user string) ([]account.Fill, error)
	Users() []string
}

// Prices returns the cached quote for a symbol without I/O
type Prices interface {
	Get(symbol string) (quote.Quote, bool)
}

// History stores equity samples. storage.PebbleStore satisfies it.
type History interface {
	SaveEquityPoint(p account.EquityPoint) error
	LoadEquityPoints(user string, since time.Time) ([]account.EquityPoint, error)
}

type PositionValue struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	Stale         bool            `json:"stale"`
}

// Snapshot is a user's portfolio valued at the current quotes. It is always
// recomputed from the fill history and never stored.
type Snapshot struct {
	UserID         string          `json:"userId"`
	Timestamp      time.Time       `json:"timestamp"`
	Cash           decimal.Decimal `json:"cash"`
	ReservedCash   decimal.Decimal `json:"reservedCash"`
	HoldingsValue  decimal.Decimal `json:"holdingsValue"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	Deposits       decimal.Decimal `json:"deposits"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	TotalReturnPct float64         `json:"totalReturnPct"`

	ClosingTrades  int     `json:"closingTrades"`
	WinningTrades  int     `json:"winningTrades"`
	WinRate        float64 `json:"winRate"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	SharpeRatio    float64 `json:"sharpeRatio"`
	PercentileRank float64 `json:"percentileRank"`

	Positions    []PositionValue `json:"positions"`
	StaleSymbols []string        `json:"staleSymbols,omitempty"`
}

type Options struct {
	Ledgers Ledgers
	Prices  Prices
	History History // optional, defaults to in-memory
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

type Valuator struct {
	ledgers Ledgers
	prices  Prices
	history History
	clock   util.Clock
	log     *zap.SugaredLogger
}

func NewValuator(opts Options) *Valuator {
	if opts.History == nil {
		opts.History = NewMemoryHistory()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Valuator{
		ledgers: opts.Ledgers,
		prices:  opts.Prices,
		history: opts.History,
		clock:   opts.Clock,
		log:     util.OrNop(opts.Logger),
	}
}

// replay walks the fill history oldest first
type replay struct {
	positions map[string]*account.Position
	lastPrice map[string]decimal.Decimal
	closing   int
	wins      int
	series    []account.EquityPoint // value after each fill, marked at fill prices
}

func replayFills(user string, deposits decimal.Decimal, fills []account.Fill) replay {
	r := replay{
		positions: make(map[string]*account.Position),
		lastPrice: make(map[string]decimal.Decimal),
	}
	cash := deposits
	for _, f := range fills {
		pos, ok := r.positions[f.Symbol]
		if !ok {
			pos = &account.Position{Symbol: f.Symbol}
			r.positions[f.Symbol] = pos
		}
		realized := pos.Apply(f.Side, f.Quantity, f.Price)
		if f.Side == account.Sell {
			r.closing++
			if realized.IsPositive() {
				r.wins++
			}
		}
		cash = cash.Add(f.CashDelta())
		r.lastPrice[f.Symbol] = f.Price

		value := cash
		for sym, p := range r.positions {
			value = value.Add(p.MarketValue(r.lastPrice[sym]))
		}
		r.series = append(r.series, account.EquityPoint{UserID: user, Timestamp: f.Timestamp, Value: value})
	}
	return r
}

// mark prices a symbol at its cached quote, falling back to the last fill
func (v *Valuator) mark(symbol string, fallback decimal.Decimal) (decimal.Decimal, bool) {
	if v.prices != nil {
		if q, ok := v.prices.Get(symbol); ok {
			return q.Price, q.Stale
		}
	}
	return fallback, true
}

// Value returns the user's current total portfolio value
func (v *Valuator) Value(user string) (decimal.Decimal, error) {
	acc, err := v.ledgers.Account(user)
	if err != nil {
		return decimal.Zero, err
	}
	return v.accountValue(acc), nil
}

func (v *Valuator) accountValue(acc account.Account) decimal.Decimal {
	total := acc.Cash
	for sym, pos := range acc.Positions {
		if pos.Quantity.IsZero() {
			continue
		}
		price, _ := v.mark(sym, pos.AvgCost)
		total = total.Add(pos.MarketValue(price))
	}
	return total
}

// Snapshot values the user's portfolio now
func (v *Valuator) Snapshot(user string) (Snapshot, error) {
	acc, err := v.ledgers.Account(user)
	if err != nil {
		return Snapshot{}, err
	}
	fills, err := v.ledgers.Fills(user)
	if err != nil {
		return Snapshot{}, err
	}

	now := v.clock.Now()
	r := replayFills(user, acc.Deposits, fills)

	s := Snapshot{
		UserID:        user,
		Timestamp:     now,
		Cash:          acc.Cash,
		ReservedCash:  acc.ReservedCash,
		Deposits:      acc.Deposits,
		HoldingsValue: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		ClosingTrades: r.closing,
		WinningTrades: r.wins,
		WinRate:       WinRate(r.wins, r.closing),
		Positions:     []PositionValue{},
	}

	symbols := make([]string, 0, len(r.positions))
	for sym := range r.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		pos := r.positions[sym]
		s.RealizedPnL = s.RealizedPnL.Add(pos.RealizedPnL)
		if pos.Quantity.IsZero() {
			continue
		}
		price, stale := v.mark(sym, r.lastPrice[sym])
		if stale {
			s.StaleSymbols = append(s.StaleSymbols, sym)
		}
		pv := PositionValue{
			Symbol:        sym,
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost,
			Price:         price,
			MarketValue:   pos.MarketValue(price),
			UnrealizedPnL: pos.UnrealizedPnL(price),
			RealizedPnL:   pos.RealizedPnL,
			Stale:         stale,
		}
		s.HoldingsValue = s.HoldingsValue.Add(pv.MarketValue)
		s.UnrealizedPnL = s.UnrealizedPnL.Add(pv.UnrealizedPnL)
		s.Positions = append(s.Positions, pv)
	}

	s.TotalValue = s.Cash.Add(s.HoldingsValue)
	if acc.Deposits.IsPositive() {
		s.TotalReturnPct = s.TotalValue.Sub(acc.Deposits).Div(acc.Deposits).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	series, err := v.series(user, acc, r, s.TotalValue, now)
	if err != nil {
		return Snapshot{}, err
	}
	values := make([]decimal.Decimal, len(series))
	for i, p := range series {
		values[i] = p.Value
	}
	s.MaxDrawdown = MaxDrawdown(values)
	s.SharpeRatio = Sharpe(DailyReturns(series))

	s.PercentileRank, err = v.percentile(user, s.TotalValue)
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// series merges the opening balance, the value after each fill, recorded
// equity samples and the current value into one time-ordered sequence
func (v *Valuator) series(user string, acc account.Account, r replay, current decimal.Decimal, now time.Time) ([]account.EquityPoint, error) {
	recorded, err := v.history.LoadEquityPoints(user, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load equity history: %w", err)
	}

	out := make([]account.EquityPoint, 0, len(r.series)+len(recorded)+2)
	out = append(out, account.EquityPoint{UserID: user, Timestamp: acc.CreatedAt, Value: acc.Deposits})
	out = append(out, r.series...)
	out = append(out, recorded...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	out = append(out, account.EquityPoint{UserID: user, Timestamp: now, Value: current})
	return out, nil
}

func (v *Valuator) percentile(user string, value decimal.Decimal) (float64, error) {
	users := v.ledgers.Users()
	all := make([]decimal.Decimal, 0, len(users)+1)
	seen := false
	for _, u := range users {
		if u == user {
			all = append(all, value)
			seen = true
			continue
		}
		acc, err := v.ledgers.Account(u)
		if err != nil {
			return 0, err
		}
		all = append(all, v.accountValue(acc))
	}
	if !seen {
		// a viewer without an account still ranks against everyone else
		all = append(all, value)
	}
	return PercentileRank(value, all), nil
}

// RecordUser stores the user's current value as an equity sample
func (v *Valuator) RecordUser(user string, at time.Time) error {
	value, err := v.Value(user)
	if err != nil {
		return err
	}
	return v.history.SaveEquityPoint(account.EquityPoint{UserID: user, Timestamp: at, Value: value})
}

// RecordEquity samples every known user
func (v *Valuator) RecordEquity(at time.Time) error {
	var firstErr error
	users := v.ledgers.Users()
	for _, u := range users {
		if err := v.RecordUser(u, at); err != nil {
			v.log.Warnw("equity_record_failed", "user", u, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	v.log.Debugw("equity_recorded", "users", len(users), "at", at)
	return firstErr
}

// MemoryHistory keeps equity samples in process memory
type MemoryHistory struct {
	mu     sync.RWMutex
	points map[string][]account.EquityPoint
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{points: make(map[string][]account.EquityPoint)}
}

func (h *MemoryHistory) SaveEquityPoint(p account.EquityPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points[p.UserID] = append(h.points[p.UserID], p)
	return nil
}

func (h *MemoryHistory) LoadEquityPoints(user string, since time.Time) ([]account.EquityPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []account.EquityPoint
	for _, p := range h.points[user] {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
