package market

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aapl", "AAPL"},
		{"btc-usdt", "BTCUSDT"},
		{"BTC/USDT", "BTCUSDT"},
		{" eth_usdt ", "ETHUSDT"},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTickValidate(t *testing.T) {
	now := time.Now()
	good := Tick{Symbol: "AAPL", Price: decimal.NewFromInt(150), Size: decimal.NewFromInt(1), Timestamp: now, Source: "test"}

	tests := []struct {
		name    string
		mutate  func(*Tick)
		wantErr bool
	}{
		{"valid", func(*Tick) {}, false},
		{"empty symbol", func(tk *Tick) { tk.Symbol = "" }, true},
		{"zero price", func(tk *Tick) { tk.Price = decimal.Zero }, true},
		{"negative price", func(tk *Tick) { tk.Price = decimal.NewFromInt(-1) }, true},
		{"zero size", func(tk *Tick) { tk.Size = decimal.Zero }, true},
		{"missing timestamp", func(tk *Tick) { tk.Timestamp = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := good
			tt.mutate(&tk)
			err := tk.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTick) {
				t.Errorf("error should wrap ErrInvalidTick: %v", err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistryFromSymbols([]string{"AAPL", "btc-usdt"})

	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2", r.Count())
	}
	if !r.Exists("BTCUSDT") || !r.Tradable("btc/usdt") {
		t.Error("BTCUSDT should be registered and tradable")
	}
	in, err := r.Get("BTCUSDT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if in.AssetClass != Crypto {
		t.Errorf("asset class = %s, want crypto", in.AssetClass)
	}
	if err := r.Register(&Instrument{Symbol: "aapl"}); err == nil {
		t.Error("duplicate register should fail")
	}

	if err := r.SetStatus("AAPL", Halted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if r.Tradable("AAPL") {
		t.Error("halted instrument should not be tradable")
	}

	if got := r.Symbols(Equity); len(got) != 1 || got[0] != "AAPL" {
		t.Errorf("equity symbols = %v", got)
	}
}
