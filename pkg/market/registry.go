package market

import (
	"fmt"
	"sort"
	"sync"
)

type AssetClass string

const (
	Equity AssetClass = "equity"
	Crypto AssetClass = "crypto"
)

type Status uint8

const (
	Active Status = iota
	Halted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Halted:
		return "halted"
	default:
		return "unknown"
	}
}

// Instrument is a tradable symbol and the feed it is expected to come from
type Instrument struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"assetClass"`
	Provider   string     `json:"provider,omitempty"`
	Status     Status     `json:"-"`
}

// Registry manages tradable instruments in a thread-safe manner.
// Orders for symbols that are not registered (or are halted) are rejected.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
}

func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
	}
}

// NewRegistryFromSymbols registers each symbol, guessing the asset class from
// a quote-currency suffix.
func NewRegistryFromSymbols(symbols []string) *Registry {
	r := NewRegistry()
	for _, s := range symbols {
		_ = r.Register(&Instrument{Symbol: s, AssetClass: ClassOf(s)})
	}
	return r
}

// ClassOf treats symbols quoted in USDT/USDC/BUSD as crypto
func ClassOf(symbol string) AssetClass {
	symbol = NormalizeSymbol(symbol)
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return Crypto
		}
	}
	return Equity
}

// Register adds an instrument. The symbol is normalized before insert.
func (r *Registry) Register(in *Instrument) error {
	if in == nil {
		return fmt.Errorf("cannot register nil instrument")
	}
	in.Symbol = NormalizeSymbol(in.Symbol)
	if in.Symbol == "" {
		return fmt.Errorf("cannot register empty symbol")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}
	r.instruments[in.Symbol] = in
	return nil
}

func (r *Registry) Get(symbol string) (*Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, exists := r.instruments[NormalizeSymbol(symbol)]
	if !exists {
		return nil, fmt.Errorf("instrument %s not found", symbol)
	}
	return in, nil
}

// Tradable reports whether the symbol is registered and active
func (r *Registry) Tradable(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, exists := r.instruments[NormalizeSymbol(symbol)]
	return exists && in.Status == Active
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.instruments[NormalizeSymbol(symbol)]
	return exists
}

// SetStatus halts or resumes trading on an instrument
func (r *Registry) SetStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[NormalizeSymbol(symbol)]
	if !exists {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	in.Status = status
	return nil
}

// List returns instruments sorted by symbol
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns the registered symbols, optionally filtered by asset class
func (r *Registry) Symbols(class AssetClass) []string {
	var out []string
	for _, in := range r.List() {
		if class == "" || in.AssetClass == class {
			out = append(out, in.Symbol)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
