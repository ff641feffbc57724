package orderbook

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"
)

type levelNode struct {
	orderID uint64
	resting *uint256.Int
	prev    *levelNode
	next    *levelNode
}

// PriceLevel is a FIFO queue of resting orders at a single price.
// The index makes removal from any position O(1).
type PriceLevel struct {
	Price *uint256.Int

	head  *levelNode
	tail  *levelNode
	index map[uint64]*levelNode
	total *uint256.Int
}

// NewPriceLevel creates an empty level
func NewPriceLevel(price *uint256.Int) *PriceLevel {
	return &PriceLevel{
		Price: price.Clone(),
		index: make(map[uint64]*levelNode),
		total: new(uint256.Int),
	}
}

// AddOrder appends an order at the tail
func (p *PriceLevel) AddOrder(orderID uint64, qty *uint256.Int) error {
	if _, ok := p.index[orderID]; ok {
		return fmt.Errorf("order %d already at price %s: %w", orderID, p.Price.Dec(), ErrOrderExists)
	}
	if qty.IsZero() {
		return fmt.Errorf("order %d has nothing to rest: %w", orderID, models.ErrValidation)
	}
	n := &levelNode{orderID: orderID, resting: qty.Clone()}
	if p.tail == nil {
		p.head = n
		p.tail = n
	} else {
		p.tail.next = n
		n.prev = p.tail
		p.tail = n
	}
	p.index[orderID] = n
	p.total.Add(p.total, qty)
	return nil
}

// RemoveOrder unlinks an order and returns its resting quantity
func (p *PriceLevel) RemoveOrder(orderID uint64) (*uint256.Int, error) {
	n, ok := p.index[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not at price %s: %w", orderID, p.Price.Dec(), ErrOrderNotFound)
	}
	p.unlink(n)
	p.total.Sub(p.total, n.resting)
	return n.resting, nil
}

// Fill consumes qty from an order's resting quantity and drops the order
// once nothing is left. It reports whether the order was removed.
func (p *PriceLevel) Fill(orderID uint64, qty *uint256.Int) (bool, error) {
	n, ok := p.index[orderID]
	if !ok {
		return false, fmt.Errorf("order %d not at price %s: %w", orderID, p.Price.Dec(), ErrOrderNotFound)
	}
	if qty.Gt(n.resting) {
		return false, fmt.Errorf("fill %s exceeds resting %s of order %d: %w", qty.Dec(), n.resting.Dec(), orderID, models.ErrStateConflict)
	}
	n.resting.Sub(n.resting, qty)
	p.total.Sub(p.total, qty)
	if n.resting.IsZero() {
		p.unlink(n)
		return true, nil
	}
	return false, nil
}

// BestOrderID returns the oldest resting order, or false when empty
func (p *PriceLevel) BestOrderID() (uint64, bool) {
	if p.head == nil {
		return 0, false
	}
	return p.head.orderID, true
}

// TotalQuantity returns the aggregate resting quantity
func (p *PriceLevel) TotalQuantity() *uint256.Int {
	return p.total.Clone()
}

// OrderQuantity returns the resting quantity of one order
func (p *PriceLevel) OrderQuantity(orderID uint64) (*uint256.Int, bool) {
	n, ok := p.index[orderID]
	if !ok {
		return nil, false
	}
	return n.resting.Clone(), true
}

// OrderIDs returns resting order ids in arrival order
func (p *PriceLevel) OrderIDs() []uint64 {
	ids := make([]uint64, 0, len(p.index))
	for n := p.head; n != nil; n = n.next {
		ids = append(ids, n.orderID)
	}
	return ids
}

// Has reports whether the order rests here
func (p *PriceLevel) Has(orderID uint64) bool {
	_, ok := p.index[orderID]
	return ok
}

// IsEmpty reports whether no order rests at this price
func (p *PriceLevel) IsEmpty() bool {
	return p.head == nil
}

// Len returns the number of resting orders
func (p *PriceLevel) Len() int {
	return len(p.index)
}

// walk visits resting orders head to tail until fn returns false
func (p *PriceLevel) walk(fn func(orderID uint64, resting *uint256.Int) bool) {
	for n := p.head; n != nil; n = n.next {
		if !fn(n.orderID, n.resting) {
			return
		}
	}
}

func (p *PriceLevel) unlink(n *levelNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	delete(p.index, n.orderID)
}
