package orderbook

import (
	"github.com/holiman/uint256"
	"github.com/tidwall/btree"
)

// Ladder is one side of a book: non-empty price levels ordered best first.
// Bids are best at the highest price, asks at the lowest.
type Ladder struct {
	bids   bool
	levels *btree.BTreeG[*PriceLevel]
}

func newLadder(bids bool) *Ladder {
	less := func(a, b *PriceLevel) bool { return a.Price.Lt(b.Price) }
	if bids {
		less = func(a, b *PriceLevel) bool { return a.Price.Gt(b.Price) }
	}
	return &Ladder{
		bids:   bids,
		levels: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

// Best returns the best level, or nil when the ladder is empty
func (l *Ladder) Best() *PriceLevel {
	lvl, ok := l.levels.Min()
	if !ok {
		return nil
	}
	return lvl
}

// Get returns the level at price, or nil
func (l *Ladder) Get(price *uint256.Int) *PriceLevel {
	lvl, ok := l.levels.Get(&PriceLevel{Price: price})
	if !ok {
		return nil
	}
	return lvl
}

// GetOrCreate returns the level at price, inserting an empty one if needed.
// Callers must add an order before releasing control so no empty level stays.
func (l *Ladder) GetOrCreate(price *uint256.Int) *PriceLevel {
	if lvl := l.Get(price); lvl != nil {
		return lvl
	}
	lvl := NewPriceLevel(price)
	l.levels.Set(lvl)
	return lvl
}

// DropIfEmpty removes lvl from the ladder once it has no orders
func (l *Ladder) DropIfEmpty(lvl *PriceLevel) bool {
	if !lvl.IsEmpty() {
		return false
	}
	l.levels.Delete(lvl)
	return true
}

// Walk visits levels best to worst until fn returns false
func (l *Ladder) Walk(fn func(*PriceLevel) bool) {
	l.levels.Scan(fn)
}

// Len returns the number of price levels
func (l *Ladder) Len() int {
	return l.levels.Len()
}

// Prices returns level prices best to worst
func (l *Ladder) Prices() []*uint256.Int {
	out := make([]*uint256.Int, 0, l.levels.Len())
	l.Walk(func(lvl *PriceLevel) bool {
		out = append(out, lvl.Price.Clone())
		return true
	})
	return out
}
