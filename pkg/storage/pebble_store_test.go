package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
)

func openStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitAndLoad(t *testing.T) {
	s := openStore(t)
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

	acc := account.NewAccount("alice", decimal.NewFromInt(10000), now)
	acc.Cash = decimal.NewFromInt(8500)
	acc.Position("AAPL").Apply(account.Buy, decimal.NewFromInt(10), decimal.NewFromInt(150))

	order := &account.Order{
		ID: "o1", UserID: "alice", Symbol: "AAPL",
		Side: account.Buy, Kind: account.Market,
		Quantity: decimal.NewFromInt(10), Status: account.Filled,
		FillID: "f1", CreatedAt: now,
	}
	fill := &account.Fill{
		ID: "f1", OrderID: "o1", UserID: "alice", Symbol: "AAPL",
		Side: account.Buy, Price: decimal.NewFromInt(150), Quantity: decimal.NewFromInt(10),
		Timestamp: now,
	}

	if err := s.Commit(account.Change{Account: acc, Orders: []*account.Order{order}, Fill: fill}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.LoadAccount("alice")
	if err != nil || got == nil {
		t.Fatalf("load account: %v %v", got, err)
	}
	if !got.Cash.Equal(decimal.NewFromInt(8500)) {
		t.Errorf("cash = %s", got.Cash)
	}
	if pos := got.Positions["AAPL"]; pos == nil || !pos.AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Errorf("position = %+v", pos)
	}

	orders, err := s.LoadOrders("alice")
	if err != nil || len(orders) != 1 {
		t.Fatalf("orders = %v, %v", orders, err)
	}
	if orders[0].Status != account.Filled || orders[0].Kind != account.Market {
		t.Errorf("order = %+v", orders[0])
	}

	fills, err := s.LoadFills("alice")
	if err != nil || len(fills) != 1 || fills[0].ID != "f1" {
		t.Fatalf("fills = %v, %v", fills, err)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)

	acc, err := s.LoadAccount("nobody")
	if err != nil || acc != nil {
		t.Errorf("LoadAccount = %v, %v; want nil, nil", acc, err)
	}
	o, err := s.LoadOrder("nobody", "x")
	if err != nil || o != nil {
		t.Errorf("LoadOrder = %v, %v; want nil, nil", o, err)
	}
}

func TestPrefixIsolation(t *testing.T) {
	s := openStore(t)

	// "al" must not see orders belonging to "al:ice" or "alice"
	for _, user := range []string{"al", "al:ice", "alice"} {
		o := &account.Order{ID: "o-" + user, UserID: user, Symbol: "AAPL"}
		if err := s.Commit(account.Change{Orders: []*account.Order{o}}); err != nil {
			t.Fatalf("commit %s: %v", user, err)
		}
	}

	orders, err := s.LoadOrders("al")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].UserID != "al" {
		t.Errorf("orders for al = %v", orders)
	}
}

func TestFillsOrderedBySeq(t *testing.T) {
	s := openStore(t)
	base := time.Unix(1_700_000_000, 0)

	// a market fill stamped by the engine clock can be later than a
	// triggered fill stamped by the exchange; history order is seq
	tests := []struct {
		id  string
		seq uint64
		off time.Duration
	}{
		{"f2", 2, 900 * time.Millisecond},
		{"f1", 1, time.Second},
		{"f3", 3, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		f := &account.Fill{ID: tt.id, UserID: "bob", Symbol: "AAPL", Seq: tt.seq, Timestamp: base.Add(tt.off)}
		if err := s.Commit(account.Change{Fill: f}); err != nil {
			t.Fatal(err)
		}
	}

	fills, err := s.LoadFills("bob")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"f1", "f2", "f3"}
	if len(fills) != len(want) {
		t.Fatalf("got %d fills, want %d", len(fills), len(want))
	}
	for i, f := range fills {
		if f.ID != want[i] {
			t.Errorf("fills[%d] = %s, want %s", i, f.ID, want[i])
		}
	}
}

func TestEquityPoints(t *testing.T) {
	s := openStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		p := account.EquityPoint{
			UserID:    "carol",
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Value:     decimal.NewFromInt(int64(1000 + i)),
		}
		if err := s.SaveEquityPoint(p); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.LoadEquityPoints("carol", time.Time{})
	if err != nil || len(all) != 5 {
		t.Fatalf("all = %d, %v", len(all), err)
	}

	recent, err := s.LoadEquityPoints("carol", base.Add(72*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || !recent[0].Value.Equal(decimal.NewFromInt(1003)) {
		t.Errorf("recent = %v", recent)
	}
}

func TestLoadAccounts(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	for _, u := range []string{"a", "b", "c"} {
		if err := s.Commit(account.Change{Account: account.NewAccount(u, decimal.NewFromInt(1), now)}); err != nil {
			t.Fatal(err)
		}
	}

	accs, err := s.LoadAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 3 {
		t.Errorf("accounts = %d, want 3", len(accs))
	}
}

func TestManagerOverPebble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewPebbleStore(path)
	if err != nil {
		t.Fatal(err)
	}

	m := account.NewManager(s, decimal.NewFromInt(500), nil, nil)
	if err := m.Deposit("dave", decimal.NewFromInt(25)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewPebbleStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s2.Close() })

	m2 := account.NewManager(s2, decimal.NewFromInt(500), nil, nil)
	if _, err := m2.Restore(); err != nil {
		t.Fatal(err)
	}
	acc, err := m2.Account("dave")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Cash.Equal(decimal.NewFromInt(525)) {
		t.Errorf("cash after reopen = %s, want 525", acc.Cash)
	}
}
