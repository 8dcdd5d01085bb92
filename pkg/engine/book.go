package engine

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
)

// resting is the book's view of a pending order: just enough to decide
// eligibility without touching the owner's ledger.
type resting struct {
	id      string
	user    string
	trigger decimal.Decimal
	seq     uint64
	index   int // position in its heap, -1 when not in a heap
}

// belowHeap holds orders that fire when price <= trigger.
// Highest trigger on top: it is the first to be crossed by a falling price.
type belowHeap []*resting

func (h belowHeap) Len() int { return len(h) }
func (h belowHeap) Less(i, j int) bool {
	if c := h[i].trigger.Cmp(h[j].trigger); c != 0 {
		return c > 0
	}
	return h[i].seq < h[j].seq
}
func (h belowHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *belowHeap) Push(x interface{}) {
	r := x.(*resting)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *belowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[0 : n-1]
	return r
}

// aboveHeap holds orders that fire when price >= trigger. Lowest trigger on top.
type aboveHeap []*resting

func (h aboveHeap) Len() int { return len(h) }
func (h aboveHeap) Less(i, j int) bool {
	if c := h[i].trigger.Cmp(h[j].trigger); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}
func (h aboveHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *aboveHeap) Push(x interface{}) {
	r := x.(*resting)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *aboveHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[0 : n-1]
	return r
}

// book indexes the pending orders of one symbol by trigger price.
// A tick only looks at the top of each heap, so evaluation cost follows the
// number of orders that actually fire.
type book struct {
	mu     sync.Mutex
	below  belowHeap
	above  aboveHeap
	market []*resting // always eligible, submission order
	byID   map[string]*resting
	kinds  map[string]bool // id -> sits in below heap
}

func newBook() *book {
	return &book{
		byID:  make(map[string]*resting),
		kinds: make(map[string]bool),
	}
}

func (b *book) add(o *account.Order) {
	r := &resting{id: o.ID, user: o.UserID, trigger: o.TriggerPrice(), seq: o.Seq, index: -1}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.byID[o.ID]; dup {
		return
	}
	b.byID[o.ID] = r

	switch {
	case o.Kind == account.Market:
		b.market = append(b.market, r)
	case o.TriggersBelow():
		b.kinds[o.ID] = true
		heap.Push(&b.below, r)
	default:
		heap.Push(&b.above, r)
	}
}

// remove drops an order from the index; it is a no-op for unknown ids
func (b *book) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	below := b.kinds[id]
	delete(b.kinds, id)

	if r.index < 0 {
		for i, m := range b.market {
			if m == r {
				b.market = append(b.market[:i], b.market[i+1:]...)
				break
			}
		}
		return
	}
	if below {
		heap.Remove(&b.below, r.index)
	} else {
		heap.Remove(&b.above, r.index)
	}
}

// popEligible removes and returns every order triggered by price, in
// submission order
func (b *book) popEligible(price decimal.Decimal) []*resting {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*resting
	for b.below.Len() > 0 && price.LessThanOrEqual(b.below[0].trigger) {
		due = append(due, heap.Pop(&b.below).(*resting))
	}
	for b.above.Len() > 0 && price.GreaterThanOrEqual(b.above[0].trigger) {
		due = append(due, heap.Pop(&b.above).(*resting))
	}
	due = append(due, b.market...)
	b.market = nil

	for _, r := range due {
		delete(b.byID, r.id)
		delete(b.kinds, r.id)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	return due
}

func (b *book) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
