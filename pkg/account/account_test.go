package account

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEligible(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		side  Side
		price string
		trade string
		want  bool
	}{
		{"market always", Market, Buy, "0", "1", true},
		{"buy limit at price", Limit, Buy, "150", "150", true},
		{"buy limit above", Limit, Buy, "150", "150.01", false},
		{"sell limit below", Limit, Sell, "150", "149.99", false},
		{"sell limit above", Limit, Sell, "150", "151", true},
		{"sell stop not crossed", Stop, Sell, "140", "142", false},
		{"sell stop gapped", Stop, Sell, "140", "139.5", true},
		{"buy stop crossed", Stop, Buy, "160", "160", true},
		{"buy stop below", Stop, Buy, "160", "159", false},
		{"sell take profit", TakeProfit, Sell, "170", "171", true},
		{"sell take profit below", TakeProfit, Sell, "170", "169", false},
		{"buy take profit", TakeProfit, Buy, "120", "119", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Kind: tt.kind, Side: tt.side, Price: d(tt.price)}
			if got := o.Eligible(d(tt.trade)); got != tt.want {
				t.Errorf("Eligible(%s) = %v, want %v", tt.trade, got, tt.want)
			}
		})
	}
}

func TestEligible_StopLimit(t *testing.T) {
	tests := []struct {
		name      string
		side      Side
		triggered bool
		trade     string
		want      bool
	}{
		{"buy waits for stop", Buy, false, "104", false},
		{"buy stop reached", Buy, false, "105", true},
		{"buy triggered above limit", Buy, true, "107", false},
		{"buy triggered at limit", Buy, true, "106", true},
		{"sell waits for stop", Sell, false, "96", false},
		{"sell stop reached", Sell, false, "95", true},
		{"sell triggered below limit", Sell, true, "93", false},
		{"sell triggered at limit", Sell, true, "94", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Kind: StopLimit, Side: tt.side, Triggered: tt.triggered}
			if tt.side == Buy {
				o.StopPrice, o.Price = d("105"), d("106")
			} else {
				o.StopPrice, o.Price = d("95"), d("94")
			}
			if got := o.Eligible(d(tt.trade)); got != tt.want {
				t.Errorf("Eligible(%s) = %v, want %v", tt.trade, got, tt.want)
			}
		})
	}
}

func TestParseKind_StopLimit(t *testing.T) {
	for _, s := range []string{"stop_limit", "STOP_LIMIT", "stop-limit"} {
		k, err := ParseKind(s)
		if err != nil || k != StopLimit {
			t.Errorf("ParseKind(%q) = %v, %v", s, k, err)
		}
	}
	if StopLimit.String() != "stop_limit" {
		t.Errorf("String = %s", StopLimit)
	}
}

func TestParseTimeInForce(t *testing.T) {
	tests := []struct {
		in        string
		want      TimeInForce
		immediate bool
	}{
		{"", GTC, false},
		{"GTC", GTC, false},
		{"day", Day, false},
		{"IOC", IOC, true},
		{"fok", FOK, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeInForce(tt.in)
		if err != nil || got != tt.want || got.Immediate() != tt.immediate {
			t.Errorf("ParseTimeInForce(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseTimeInForce("gtd"); err == nil {
		t.Error("gtd accepted")
	}
}

func TestExecutionPriceIsTradePrice(t *testing.T) {
	o := &Order{Kind: Stop, Side: Sell, Price: d("140")}
	if got := o.ExecutionPrice(d("139.5")); !got.Equal(d("139.5")) {
		t.Errorf("stop fill = %s, want 139.5", got)
	}
}

func TestPositionApply(t *testing.T) {
	var p Position

	p.Apply(Buy, d("10"), d("150"))
	p.Apply(Buy, d("10"), d("160"))
	if !p.AvgCost.Equal(d("155")) {
		t.Fatalf("avg cost = %s, want 155", p.AvgCost)
	}

	realized := p.Apply(Sell, d("5"), d("165"))
	if !realized.Equal(d("50")) {
		t.Errorf("realized = %s, want 50", realized)
	}
	if !p.AvgCost.Equal(d("155")) {
		t.Errorf("sell moved avg cost to %s", p.AvgCost)
	}
	if !p.Quantity.Equal(d("15")) {
		t.Errorf("quantity = %s, want 15", p.Quantity)
	}

	p.Apply(Sell, d("15"), d("150"))
	if !p.Quantity.IsZero() {
		t.Errorf("quantity = %s, want 0", p.Quantity)
	}
	if !p.RealizedPnL.Equal(d("-25")) {
		t.Errorf("realized total = %s, want -25", p.RealizedPnL)
	}

	// reopening after going flat starts from the new price
	p.Apply(Buy, d("2"), d("100"))
	if !p.AvgCost.Equal(d("100")) {
		t.Errorf("reopened avg = %s, want 100", p.AvgCost)
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	fills := []Fill{
		{Symbol: "AAPL", Side: Buy, Quantity: d("10"), Price: d("150")},
		{Symbol: "MSFT", Side: Buy, Quantity: d("3"), Price: d("400")},
		{Symbol: "AAPL", Side: Buy, Quantity: d("5"), Price: d("120")},
		{Symbol: "AAPL", Side: Sell, Quantity: d("6"), Price: d("130")},
	}

	positions := Rebuild(fills)
	aapl := positions["AAPL"]
	if aapl == nil {
		t.Fatal("missing AAPL")
	}
	if !aapl.Quantity.Equal(d("9")) || !aapl.AvgCost.Equal(d("140")) {
		t.Errorf("AAPL = %s @ %s, want 9 @ 140", aapl.Quantity, aapl.AvgCost)
	}
	if !aapl.RealizedPnL.Equal(d("-60")) {
		t.Errorf("AAPL realized = %s, want -60", aapl.RealizedPnL)
	}
	if !positions["MSFT"].Quantity.Equal(d("3")) {
		t.Errorf("MSFT = %s", positions["MSFT"].Quantity)
	}
}

func TestFillCashDelta(t *testing.T) {
	buy := Fill{Side: Buy, Price: d("150"), Quantity: d("10"), Fee: d("1")}
	if got := buy.CashDelta(); !got.Equal(d("-1501")) {
		t.Errorf("buy delta = %s", got)
	}
	sell := Fill{Side: Sell, Price: d("150"), Quantity: d("10"), Fee: d("1")}
	if got := sell.CashDelta(); !got.Equal(d("1499")) {
		t.Errorf("sell delta = %s", got)
	}
}

func TestAvailable(t *testing.T) {
	acc := NewAccount("alice", d("1000"), time.Now())
	acc.ReservedCash = d("250")
	acc.Position("AAPL").Quantity = d("10")
	acc.ReservedQty["AAPL"] = d("4")

	if got := acc.AvailableCash(); !got.Equal(d("750")) {
		t.Errorf("available cash = %s", got)
	}
	if got := acc.AvailableQty("AAPL"); !got.Equal(d("6")) {
		t.Errorf("available qty = %s", got)
	}
	if got := acc.AvailableQty("MSFT"); !got.IsZero() {
		t.Errorf("available MSFT = %s", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	acc := NewAccount("alice", d("1000"), time.Now())
	acc.Position("AAPL").Quantity = d("1")

	c := acc.Clone()
	c.Positions["AAPL"].Quantity = d("99")
	c.ReservedQty["AAPL"] = d("1")

	if !acc.Positions["AAPL"].Quantity.Equal(d("1")) {
		t.Error("clone shares positions with original")
	}
	if _, ok := acc.ReservedQty["AAPL"]; ok {
		t.Error("clone shares reservations with original")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"market", "limit", "stop", "take_profit"} {
		k, err := ParseKind(s)
		if err != nil || k.String() != s {
			t.Errorf("ParseKind(%q) = %v, %v", s, k, err)
		}
	}
	if k, err := ParseKind("take-profit"); err != nil || k != TakeProfit {
		t.Errorf("take-profit alias = %v, %v", k, err)
	}
	if _, err := ParseSide("hold"); err == nil {
		t.Error("expected error for unknown side")
	}
	if tif, err := ParseTimeInForce(""); err != nil || tif != GTC {
		t.Errorf("empty tif = %v, %v", tif, err)
	}
}

func TestEndOfDay(t *testing.T) {
	at := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	want := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := EndOfDay(at); !got.Equal(want) {
		t.Errorf("EndOfDay = %v, want %v", got, want)
	}
}
