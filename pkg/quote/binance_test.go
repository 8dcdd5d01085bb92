package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBinanceREST_Latest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/trades" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"id":1,"price":"60000.10","qty":"0.002","time":1709303400000}]`))
	}))
	defer srv.Close()

	b := NewBinanceREST(srv.URL, 100)

	tk, err := b.Latest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !tk.Price.Equal(decimal.RequireFromString("60000.10")) {
		t.Errorf("price = %s", tk.Price)
	}
	if tk.Timestamp.UnixMilli() != 1709303400000 {
		t.Errorf("timestamp = %v", tk.Timestamp)
	}

	if _, err := b.Latest(context.Background(), "AAPL"); !errors.Is(err, ErrNoQuote) {
		t.Errorf("equity err = %v, want ErrNoQuote", err)
	}
}
