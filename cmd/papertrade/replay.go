package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/papertrade/params"
	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/engine"
	"github.com/uhyunpark/papertrade/pkg/events"
	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/portfolio"
	"github.com/uhyunpark/papertrade/pkg/quote"
	"github.com/uhyunpark/papertrade/pkg/util"
)

func replayCmd() *cobra.Command {
	var tickFile, orderFile string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded ticks through an in-memory engine and print fills",
		Long: `replay feeds ticks.jsonl (one {"symbol","price","size","timestamp","source"}
per line) through a fresh engine. Orders from orders.jsonl are submitted once
the replay clock reaches their "at" time. Every order event is printed as a
JSON line, followed by one portfolio summary per user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := params.LoadFromEnv(envFile)

			ticks, err := os.Open(tickFile)
			if err != nil {
				return fmt.Errorf("open ticks: %w", err)
			}
			defer ticks.Close()

			var orders io.Reader
			if orderFile != "" {
				f, err := os.Open(orderFile)
				if err != nil {
					return fmt.Errorf("open orders: %w", err)
				}
				defer f.Close()
				orders = f
			}

			return replay(cfg, ticks, orders, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&tickFile, "file", "", "Recorded ticks (JSON lines)")
	cmd.Flags().StringVar(&orderFile, "orders", "", "Orders to submit during the replay (JSON lines)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// replayOrder is one line of the orders file
type replayOrder struct {
	At            time.Time           `json:"at"`
	User          string              `json:"user"`
	Symbol        string              `json:"symbol"`
	Side          account.Side        `json:"side"`
	Kind          account.Kind        `json:"kind"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	StopPrice     decimal.NullDecimal `json:"stopPrice"`
	TIF           account.TimeInForce `json:"tif"`
	ClientOrderID string              `json:"clientOrderId"`
}

type submitFailure struct {
	Type   string    `json:"type"` // "submit_failed"
	User   string    `json:"user"`
	Symbol string    `json:"symbol"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

type replaySummary struct {
	Type          string          `json:"type"` // "summary"
	User          string          `json:"user"`
	Cash          decimal.Decimal `json:"cash"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Fills         int             `json:"fills"`
	WinRate       float64         `json:"winRate"`
	MaxDrawdown   float64         `json:"maxDrawdown"`
}

// replay runs ticks through the cache and engine on the caller's goroutine,
// the same order the reliable bus lane uses, so the output is deterministic.
func replay(cfg params.Config, ticks io.Reader, orders io.Reader, out io.Writer) error {
	var pending []replayOrder
	if orders != nil {
		var err error
		if pending, err = readOrders(orders); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	var encErr error
	write := func(v interface{}) {
		if encErr == nil {
			encErr = enc.Encode(v)
		}
	}

	symbols := append([]string(nil), cfg.Engine.Symbols...)
	for _, o := range pending {
		symbols = append(symbols, o.Symbol)
	}
	registry := market.NewRegistryFromSymbols(symbols)

	clock := util.NewManualClock(time.Unix(0, 0).UTC())
	cache := quote.NewCache(quote.Options{TTL: cfg.Quote.TTL, Clock: clock})
	eng := engine.New(engine.Options{
		Accounts: account.NewManager(nil, cfg.Engine.StartingCash, clock, nil),
		Registry: registry,
		Quotes:   cache,
		Clock:    clock,
		Commission: engine.Commission{
			Rate: cfg.Engine.CommissionRate,
			Min:  cfg.Engine.MinCommission,
		},
	})
	val := portfolio.NewValuator(portfolio.Options{Ledgers: eng, Prices: cache, Clock: clock})

	fills := make(map[string]int)
	eng.OnEvent(func(ev engine.Event) {
		write(events.NewOrderEvent(ev))
		if ev.Type != engine.EventFilled {
			return
		}
		fills[ev.Order.UserID]++
		_ = val.RecordUser(ev.Order.UserID, ev.Fill.Timestamp)
	})

	submit := func(upTo time.Time, all bool) {
		for len(pending) > 0 && (all || !pending[0].At.After(upTo)) {
			o := pending[0]
			pending = pending[1:]
			if o.At.After(clock.Now()) {
				clock.Set(o.At)
			}
			_, err := eng.Submit(o.User, engine.OrderRequest{
				Symbol:        o.Symbol,
				Side:          o.Side,
				Kind:          o.Kind,
				Quantity:      o.Quantity,
				Price:         o.Price,
				StopPrice:     o.StopPrice,
				TIF:           o.TIF,
				ClientOrderID: o.ClientOrderID,
			})
			if err != nil {
				write(submitFailure{Type: "submit_failed", User: o.User, Symbol: o.Symbol, Error: err.Error(), At: clock.Now()})
			}
		}
	}

	sc := bufio.NewScanner(ticks)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var t market.Tick
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			return fmt.Errorf("ticks line %d: %w", line, err)
		}
		t.Symbol = market.NormalizeSymbol(t.Symbol)
		if err := t.Validate(); err != nil {
			continue
		}

		submit(t.Timestamp, false)
		if t.Timestamp.After(clock.Now()) {
			clock.Set(t.Timestamp)
		}
		eng.ExpireDayOrders(clock.Now())
		cache.Apply(t)
		eng.OnTick(t)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read ticks: %w", err)
	}
	submit(time.Time{}, true)

	users := eng.Users()
	sort.Strings(users)
	for _, u := range users {
		snap, err := val.Snapshot(u)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", u, err)
		}
		write(replaySummary{
			Type:          "summary",
			User:          u,
			Cash:          snap.Cash,
			TotalValue:    snap.TotalValue,
			RealizedPnL:   snap.RealizedPnL,
			UnrealizedPnL: snap.UnrealizedPnL,
			Fills:         fills[u],
			WinRate:       snap.WinRate,
			MaxDrawdown:   snap.MaxDrawdown,
		})
	}
	return encErr
}

// readOrders parses the orders file and sorts it by submission time
func readOrders(r io.Reader) ([]replayOrder, error) {
	var out []replayOrder
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var o replayOrder
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			return nil, fmt.Errorf("orders line %d: %w", line, err)
		}
		out = append(out, o)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
