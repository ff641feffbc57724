// Package orderbook implements the per-pair price ladders and the matching
// algorithm.
//
// A Book is single-writer: the caller serializes every mutating call for
// its pair. Matching is planned against the current ladders without
// mutating them, committed to the registry in one batch, and only then
// applied to the ladders, so a rejected match leaves no trace.
package orderbook

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"
	"github.com/xtrntr/clob/internal/registry"
	"go.uber.org/zap"
)

// OrderStore is the part of the registry the book depends on
type OrderStore interface {
	GetOrder(id uint64) (*models.Order, error)
	ApplyFills(fills []registry.Fill) error
	NextSettlementID() uint64
}

// Level is an aggregated view of one price level
type Level struct {
	Price    *uint256.Int
	Quantity *uint256.Int
	Orders   int
}

type restingRef struct {
	level *PriceLevel
	bid   bool
}

type plannedFill struct {
	level *PriceLevel
	maker *models.Order
	qty   *uint256.Int
}

// Book holds the bid and ask ladders of one pair
type Book struct {
	pair    models.Pair
	orders  OrderStore
	bids    *Ladder
	asks    *Ladder
	resting map[uint64]restingRef
	pending map[uint64][]*models.Settlement
	log     *zap.Logger
	now     func() time.Time
}

// NewBook creates an empty book for pair
func NewBook(pair models.Pair, orders OrderStore, log *zap.Logger) *Book {
	return &Book{
		pair:    pair,
		orders:  orders,
		bids:    newLadder(true),
		asks:    newLadder(false),
		resting: make(map[uint64]restingRef),
		pending: make(map[uint64][]*models.Settlement),
		log:     log.With(zap.String("pair", pair.String())),
		now:     time.Now,
	}
}

// Pair returns the market this book serves
func (b *Book) Pair() models.Pair {
	return b.pair
}

// Bids exposes the bid ladder for read-only traversal
func (b *Book) Bids() *Ladder {
	return b.bids
}

// Asks exposes the ask ladder for read-only traversal
func (b *Book) Asks() *Ladder {
	return b.asks
}

// MatchOrders matches a freshly created order against the opposite ladder
// and returns the number of settlements produced. The settlements are
// buffered until GetPendingSettlements drains them.
func (b *Book) MatchOrders(orderID uint64) (int, error) {
	return b.match(orderID, nil)
}

// MatchWithQuoteBudget matches a market buy, stopping once the quote budget
// cannot pay for another base unit at the next price.
func (b *Book) MatchWithQuoteBudget(orderID uint64, budget *uint256.Int) (int, error) {
	if budget == nil || budget.IsZero() {
		return 0, fmt.Errorf("quote budget must be positive: %w", models.ErrValidation)
	}
	return b.match(orderID, budget)
}

func (b *Book) match(orderID uint64, budget *uint256.Int) (int, error) {
	taker, err := b.orders.GetOrder(orderID)
	if err != nil {
		return 0, err
	}
	if err := b.checkTaker(taker, budget); err != nil {
		return 0, err
	}

	fills, filled, err := b.plan(taker, budget)
	if err != nil {
		return 0, err
	}

	if taker.Type == models.FOK && !filled.Eq(taker.Quantity) {
		b.log.Info("fill-or-kill rejected",
			zap.Uint64("order_id", taker.ID),
			zap.String("quantity", taker.Quantity.Dec()),
			zap.String("fillable", filled.Dec()),
		)
		return 0, fmt.Errorf("order %d can fill %s of %s: %w", taker.ID, filled.Dec(), taker.Quantity.Dec(), models.ErrInsufficientLiquidity)
	}

	// Registry first: it is the only step that can reject.
	updates := make([]registry.Fill, 0, len(fills)+1)
	for _, f := range fills {
		makerFilled := new(uint256.Int).Add(f.maker.FilledQuantity, f.qty)
		status := models.StatusPartiallyFilled
		if makerFilled.Eq(f.maker.Quantity) {
			status = models.StatusFilled
		}
		updates = append(updates, registry.Fill{OrderID: f.maker.ID, FilledQuantity: makerFilled, Status: status})
	}
	takerStatus, rests := remainderPolicy(taker.Type, filled, taker.Quantity)
	updates = append(updates, registry.Fill{OrderID: taker.ID, FilledQuantity: filled, Status: takerStatus})
	if err := b.orders.ApplyFills(updates); err != nil {
		return 0, fmt.Errorf("failed to commit match of order %d: %w", taker.ID, err)
	}

	own, opposite := b.ladders(taker.IsBuy)
	settlements := make([]*models.Settlement, 0, len(fills))
	for _, f := range fills {
		removed, err := f.level.Fill(f.maker.ID, f.qty)
		if err != nil {
			// The plan was built from this exact state under the caller's lock.
			return 0, fmt.Errorf("ladder diverged from plan for order %d: %w", f.maker.ID, err)
		}
		if removed {
			delete(b.resting, f.maker.ID)
			opposite.DropIfEmpty(f.level)
		}
		settlements = append(settlements, &models.Settlement{
			ID:           b.orders.NextSettlementID(),
			TakerOrderID: taker.ID,
			MakerOrderID: f.maker.ID,
			Taker:        taker.Trader,
			Maker:        f.maker.Trader,
			Pair:         b.pair,
			TakerIsBuy:   taker.IsBuy,
			Quantity:     f.qty,
			Price:        f.level.Price.Clone(),
			CreatedAt:    b.now(),
		})
	}

	if rests {
		remaining := new(uint256.Int).Sub(taker.Quantity, filled)
		lvl := own.GetOrCreate(taker.Price)
		if err := lvl.AddOrder(taker.ID, remaining); err != nil {
			return 0, err
		}
		b.resting[taker.ID] = restingRef{level: lvl, bid: taker.IsBuy}
	}

	if len(settlements) > 0 {
		b.pending[taker.ID] = append(b.pending[taker.ID], settlements...)
	}
	b.log.Debug("order matched",
		zap.Uint64("order_id", taker.ID),
		zap.Stringer("type", taker.Type),
		zap.Int("settlements", len(settlements)),
		zap.String("filled", filled.Dec()),
		zap.Bool("resting", rests),
	)
	return len(settlements), nil
}

func (b *Book) checkTaker(o *models.Order, budget *uint256.Int) error {
	if o.Pair() != b.pair {
		return fmt.Errorf("order %d trades %s, book is %s: %w", o.ID, o.Pair(), b.pair, models.ErrStateConflict)
	}
	if o.Status != models.StatusOpen {
		return fmt.Errorf("order %d is %s: %w", o.ID, o.Status, models.ErrStateConflict)
	}
	if _, ok := b.resting[o.ID]; ok {
		return fmt.Errorf("order %d: %w", o.ID, ErrOrderExists)
	}
	if budget != nil && (o.Type != models.Market || !o.IsBuy) {
		return fmt.Errorf("quote budget only applies to market buys: %w", models.ErrValidation)
	}
	return nil
}

// plan walks the opposite ladder without mutating it
func (b *Book) plan(taker *models.Order, budget *uint256.Int) ([]plannedFill, *uint256.Int, error) {
	_, opposite := b.ladders(taker.IsBuy)
	remaining := taker.Remaining()
	filled := new(uint256.Int)
	var left *uint256.Int
	if budget != nil {
		left = budget.Clone()
	}

	var fills []plannedFill
	var walkErr error
	opposite.Walk(func(lvl *PriceLevel) bool {
		if !acceptable(taker, lvl.Price) {
			return false
		}
		more := true
		lvl.walk(func(makerID uint64, resting *uint256.Int) bool {
			qty := min256(remaining, resting)
			if left != nil {
				afford := new(uint256.Int).Div(left, lvl.Price)
				qty = min256(qty, afford)
				if qty.IsZero() {
					more = false
					return false
				}
				left.Sub(left, new(uint256.Int).Mul(qty, lvl.Price))
			}
			maker, err := b.orders.GetOrder(makerID)
			if err != nil {
				walkErr = err
				more = false
				return false
			}
			fills = append(fills, plannedFill{level: lvl, maker: maker, qty: qty})
			filled.Add(filled, qty)
			remaining.Sub(remaining, qty)
			if remaining.IsZero() {
				more = false
				return false
			}
			return true
		})
		return more
	})
	if walkErr != nil {
		b.log.Error("resting order missing from registry", zap.Error(walkErr))
		return nil, nil, fmt.Errorf("failed to plan order %d: %w", taker.ID, walkErr)
	}
	return fills, filled, nil
}

// remainderPolicy decides the taker's final status and whether it rests
func remainderPolicy(t models.OrderType, filled, quantity *uint256.Int) (models.OrderStatus, bool) {
	if filled.Eq(quantity) {
		return models.StatusFilled, false
	}
	switch t {
	case models.Limit:
		if filled.IsZero() {
			return models.StatusOpen, true
		}
		return models.StatusPartiallyFilled, true
	case models.Market, models.IOC:
		if filled.IsZero() {
			return models.StatusCanceled, false
		}
		return models.StatusPartiallyFilled, false
	default:
		// FOK never reaches here partially filled.
		return models.StatusCanceled, false
	}
}

// acceptable reports whether a taker may trade at a resting price
func acceptable(taker *models.Order, price *uint256.Int) bool {
	if taker.Type == models.Market || taker.Price.IsZero() {
		return true
	}
	if taker.IsBuy {
		return !taker.Price.Lt(price)
	}
	return !taker.Price.Gt(price)
}

func acceptablePrice(isBuy bool, limit, price *uint256.Int) bool {
	return acceptable(&models.Order{IsBuy: isBuy, Price: limit, Type: models.Limit}, price)
}

// ladders returns the taker's own side and the side it matches against
func (b *Book) ladders(isBuy bool) (own, opposite *Ladder) {
	if isBuy {
		return b.bids, b.asks
	}
	return b.asks, b.bids
}

// GetPendingSettlements drains the settlements produced for a taker.
// A second call for the same id returns nothing.
func (b *Book) GetPendingSettlements(takerID uint64) []*models.Settlement {
	s := b.pending[takerID]
	delete(b.pending, takerID)
	return s
}

// RemoveOrder takes a resting order off its ladder and returns the quantity removed
func (b *Book) RemoveOrder(orderID uint64) (*uint256.Int, error) {
	ref, ok := b.resting[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	qty, err := ref.level.RemoveOrder(orderID)
	if err != nil {
		return nil, err
	}
	delete(b.resting, orderID)
	own, _ := b.ladders(ref.bid)
	own.DropIfEmpty(ref.level)
	return qty, nil
}

// Rest puts an already matched limit order back on its ladder, used when
// rebuilding the book from persisted open orders.
func (b *Book) Rest(o *models.Order) error {
	if o.Pair() != b.pair {
		return fmt.Errorf("order %d trades %s, book is %s: %w", o.ID, o.Pair(), b.pair, models.ErrStateConflict)
	}
	if o.Type != models.Limit || o.Status.Terminal() {
		return fmt.Errorf("order %d (%s, %s) cannot rest: %w", o.ID, o.Type, o.Status, models.ErrStateConflict)
	}
	if _, ok := b.resting[o.ID]; ok {
		return fmt.Errorf("order %d: %w", o.ID, ErrOrderExists)
	}
	own, _ := b.ladders(o.IsBuy)
	lvl := own.GetOrCreate(o.Price)
	if err := lvl.AddOrder(o.ID, o.Remaining()); err != nil {
		own.DropIfEmpty(lvl)
		return err
	}
	b.resting[o.ID] = restingRef{level: lvl, bid: o.IsBuy}
	return nil
}

// IsResting reports whether the order is on a ladder
func (b *Book) IsResting(orderID uint64) bool {
	_, ok := b.resting[orderID]
	return ok
}

// BestBidPrice returns the highest bid, or false when there are no bids
func (b *Book) BestBidPrice() (*uint256.Int, bool) {
	return bestPrice(b.bids)
}

// BestAskPrice returns the lowest ask, or false when there are no asks
func (b *Book) BestAskPrice() (*uint256.Int, bool) {
	return bestPrice(b.asks)
}

func bestPrice(l *Ladder) (*uint256.Int, bool) {
	lvl := l.Best()
	if lvl == nil {
		return nil, false
	}
	return lvl.Price.Clone(), true
}

// QuantityAtPrice returns the resting quantity at price on the bid or ask side
func (b *Book) QuantityAtPrice(bid bool, price *uint256.Int) *uint256.Int {
	own, _ := b.ladders(bid)
	if lvl := own.Get(price); lvl != nil {
		return lvl.TotalQuantity()
	}
	return new(uint256.Int)
}

// CanOrderBeFullyFilled reports whether qty can trade right now at prices no
// worse than limit. A zero limit accepts any price.
func (b *Book) CanOrderBeFullyFilled(isBuy bool, limit, qty *uint256.Int) bool {
	_, opposite := b.ladders(isBuy)
	sum := new(uint256.Int)
	opposite.Walk(func(lvl *PriceLevel) bool {
		if !limit.IsZero() && !acceptablePrice(isBuy, limit, lvl.Price) {
			return false
		}
		sum.Add(sum, lvl.total)
		return sum.Lt(qty)
	})
	return !sum.Lt(qty)
}

// BaseForQuote previews a market buy spending at most budget. It returns the
// base quantity obtainable and its quote cost.
func (b *Book) BaseForQuote(budget *uint256.Int) (base, cost *uint256.Int) {
	base, cost = new(uint256.Int), new(uint256.Int)
	left := budget.Clone()
	b.asks.Walk(func(lvl *PriceLevel) bool {
		afford := new(uint256.Int).Div(left, lvl.Price)
		qty := min256(afford, lvl.total)
		if qty.IsZero() {
			return false
		}
		spent := new(uint256.Int).Mul(qty, lvl.Price)
		base.Add(base, qty)
		cost.Add(cost, spent)
		left.Sub(left, spent)
		return qty.Eq(lvl.total)
	})
	return base, cost
}

// Depth returns up to levels price levels per side, best to worst
func (b *Book) Depth(levels int) (bids, asks []Level) {
	return depth(b.bids, levels), depth(b.asks, levels)
}

func depth(l *Ladder, levels int) []Level {
	if levels <= 0 {
		return nil
	}
	out := make([]Level, 0, min(levels, l.Len()))
	l.Walk(func(lvl *PriceLevel) bool {
		if len(out) >= levels {
			return false
		}
		out = append(out, Level{Price: lvl.Price.Clone(), Quantity: lvl.TotalQuantity(), Orders: lvl.Len()})
		return true
	})
	return out
}

// min256 returns a copy of the smaller value
func min256(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
