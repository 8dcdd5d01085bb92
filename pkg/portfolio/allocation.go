package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
	"github.com/uhyunpark/papertrade/pkg/market"
)

// CashClass labels the cash slice of an allocation
const CashClass market.AssetClass = "cash"

type Slice struct {
	Name    string          `json:"name"`
	Value   decimal.Decimal `json:"value"`
	Percent float64         `json:"percent"`
	Count   int             `json:"count"` // holdings in the slice; 1 for cash
}

// Allocation splits total value by symbol and by asset class. Both lists
// include cash and sort largest first.
type Allocation struct {
	UserID     string          `json:"userId"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
	BySymbol   []Slice         `json:"bySymbol"`
	ByClass    []Slice         `json:"byClass"`
}

var hundred = decimal.NewFromInt(100)

func percentOf(part, total decimal.Decimal) float64 {
	if !total.IsPositive() {
		return 0
	}
	return part.Div(total).Mul(hundred).InexactFloat64()
}

func sortSlices(s []Slice) {
	sort.Slice(s, func(i, j int) bool {
		if c := s[i].Value.Cmp(s[j].Value); c != 0 {
			return c > 0
		}
		return s[i].Name < s[j].Name
	})
}

// Allocation values every open position at the current quotes
func (v *Valuator) Allocation(user string) (Allocation, error) {
	acc, err := v.ledgers.Account(user)
	if err != nil {
		return Allocation{}, err
	}

	out := Allocation{UserID: user, Cash: acc.Cash, TotalValue: acc.Cash}
	classes := map[market.AssetClass]*Slice{}
	for sym, pos := range acc.Positions {
		if pos.Quantity.IsZero() {
			continue
		}
		price, _ := v.mark(sym, pos.AvgCost)
		mv := pos.MarketValue(price)
		out.TotalValue = out.TotalValue.Add(mv)
		out.BySymbol = append(out.BySymbol, Slice{Name: sym, Value: mv, Count: 1})

		class := market.ClassOf(sym)
		c, ok := classes[class]
		if !ok {
			c = &Slice{Name: string(class), Value: decimal.Zero}
			classes[class] = c
		}
		c.Value = c.Value.Add(mv)
		c.Count++
	}

	out.BySymbol = append(out.BySymbol, Slice{Name: string(CashClass), Value: acc.Cash, Count: 1})
	for _, c := range classes {
		out.ByClass = append(out.ByClass, *c)
	}
	out.ByClass = append(out.ByClass, Slice{Name: string(CashClass), Value: acc.Cash, Count: 1})

	for i := range out.BySymbol {
		out.BySymbol[i].Percent = percentOf(out.BySymbol[i].Value, out.TotalValue)
	}
	for i := range out.ByClass {
		out.ByClass[i].Percent = percentOf(out.ByClass[i].Value, out.TotalValue)
	}
	sortSlices(out.BySymbol)
	sortSlices(out.ByClass)
	return out, nil
}

// History returns the recorded equity samples since the given time, oldest
// first, closed by the current value.
func (v *Valuator) History(user string, since time.Time) ([]account.EquityPoint, error) {
	points, err := v.history.LoadEquityPoints(user, since)
	if err != nil {
		return nil, fmt.Errorf("load equity history: %w", err)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	current, err := v.Value(user)
	if err != nil {
		return nil, err
	}
	return append(points, account.EquityPoint{UserID: user, Timestamp: v.clock.Now(), Value: current}), nil
}
