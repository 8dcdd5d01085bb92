package feed

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/papertrade/pkg/market"
	"github.com/uhyunpark/papertrade/pkg/util"
)

// SimulatorConfig controls synthetic tick generation
type SimulatorConfig struct {
	Symbols    []string
	Interval   time.Duration             // one tick per symbol per interval
	Volatility float64                   // stddev of each step as a fraction of price
	Start      map[string]decimal.Decimal // opening prices; 100 when absent
	Seed       int64
}

// DefaultSimulatorConfig returns reasonable defaults for local development
func DefaultSimulatorConfig(symbols []string) SimulatorConfig {
	return SimulatorConfig{
		Symbols:    symbols,
		Interval:   500 * time.Millisecond,
		Volatility: 0.001,
		Start: map[string]decimal.Decimal{
			"AAPL":    decimal.NewFromInt(190),
			"MSFT":    decimal.NewFromInt(410),
			"GOOGL":   decimal.NewFromInt(150),
			"BTCUSDT": decimal.NewFromInt(65000),
			"ETHUSDT": decimal.NewFromInt(3300),
		},
		Seed: time.Now().UnixNano(),
	}
}

// Simulator is a random-walk price source
type Simulator struct {
	cfg    SimulatorConfig
	rng    *rand.Rand
	prices map[string]float64
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	prices := make(map[string]float64, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		p := 100.0
		if start, ok := cfg.Start[s]; ok {
			p = start.InexactFloat64()
		}
		prices[s] = p
	}
	return &Simulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: prices,
	}
}

// Next advances every symbol by one step and returns the new ticks.
// Not safe for concurrent use.
func (s *Simulator) Next(now time.Time) []market.Tick {
	ticks := make([]market.Tick, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		p := s.prices[sym] * (1 + s.rng.NormFloat64()*s.cfg.Volatility)
		if p <= 0.01 {
			p = 0.01
		}
		s.prices[sym] = p
		ticks = append(ticks, market.Tick{
			Symbol:    sym,
			Price:     decimal.NewFromFloat(p).Round(2),
			Size:      decimal.NewFromInt(int64(1 + s.rng.Intn(500))),
			Timestamp: now,
			Source:    "simulator",
		})
	}
	return ticks
}

// StartSimulator publishes synthetic ticks until the returned cancel func is
// called or ctx ends.
func StartSimulator(ctx context.Context, pub Publisher, cfg SimulatorConfig, log *zap.SugaredLogger) context.CancelFunc {
	log = util.OrNop(log)
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	sim := NewSimulator(cfg)
	simCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		total := 0
		log.Infow("simulator_started", "symbols", len(cfg.Symbols), "interval", cfg.Interval)
		for {
			select {
			case <-simCtx.Done():
				log.Infow("simulator_stopped", "ticks", total)
				return
			case now := <-ticker.C:
				for _, t := range sim.Next(now.UTC()) {
					if err := pub.Publish(t); err != nil {
						log.Warnw("simulator_publish_failed", "symbol", t.Symbol, "err", err)
						continue
					}
					total++
				}
			}
		}
	}()

	return cancel
}
