// Package registry owns the canonical record of every order.
//
// It does no matching. The Book reports fills through ApplyFills, the
// orchestrator creates and cancels orders, and everything else only reads.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"
)

// NewOrder carries the caller-supplied fields of an order
type NewOrder struct {
	Trader     string
	BaseToken  string
	QuoteToken string
	Price      *uint256.Int
	Quantity   *uint256.Int
	IsBuy      bool
	Type       models.OrderType
}

// Fill is a requested fill-state transition for one order
type Fill struct {
	OrderID        uint64
	FilledQuantity *uint256.Int
	Status         models.OrderStatus
}

// Registry stores orders by id and by trader. Orders are never removed.
type Registry struct {
	mu           sync.RWMutex
	orders       map[uint64]*models.Order
	byTrader     map[string][]uint64
	lastOrderID  uint64
	lastSettleID uint64
	now          func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		orders:   make(map[uint64]*models.Order),
		byTrader: make(map[string][]uint64),
		now:      time.Now,
	}
}

// Validate checks an order request without touching state
func Validate(req NewOrder) error {
	if req.Trader == "" {
		return fmt.Errorf("trader is required: %w", models.ErrValidation)
	}
	if req.BaseToken == "" || req.QuoteToken == "" || req.BaseToken == req.QuoteToken {
		return fmt.Errorf("invalid pair %s/%s: %w", req.BaseToken, req.QuoteToken, models.ErrValidation)
	}
	if req.Quantity == nil || req.Quantity.IsZero() {
		return fmt.Errorf("quantity must be positive: %w", models.ErrValidation)
	}
	if req.Price == nil {
		return fmt.Errorf("price is required: %w", models.ErrValidation)
	}
	switch req.Type {
	case models.Limit:
		if req.Price.IsZero() {
			return fmt.Errorf("limit price must be positive: %w", models.ErrValidation)
		}
	case models.Market:
		if !req.Price.IsZero() {
			return fmt.Errorf("market order must not carry a price: %w", models.ErrValidation)
		}
	case models.IOC, models.FOK:
		// zero price means no limit
	default:
		return fmt.Errorf("unknown order type %d: %w", req.Type, models.ErrValidation)
	}
	return nil
}

// CreateOrder allocates the next id and stores the order as OPEN with nothing filled
func (r *Registry) CreateOrder(req NewOrder) (*models.Order, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastOrderID++
	o := &models.Order{
		ID:             r.lastOrderID,
		Trader:         req.Trader,
		BaseToken:      req.BaseToken,
		QuoteToken:     req.QuoteToken,
		Price:          req.Price.Clone(),
		Quantity:       req.Quantity.Clone(),
		IsBuy:          req.IsBuy,
		Type:           req.Type,
		Status:         models.StatusOpen,
		FilledQuantity: new(uint256.Int),
		CreatedAt:      r.now(),
	}
	r.orders[o.ID] = o
	r.byTrader[o.Trader] = append(r.byTrader[o.Trader], o.ID)
	return o.Clone(), nil
}

// Restore reinserts a persisted order as-is, keeping its id
func (r *Registry) Restore(o *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %d already registered: %w", o.ID, models.ErrStateConflict)
	}
	if err := checkFill(o, o.FilledQuantity, o.Status); err != nil {
		return err
	}
	c := o.Clone()
	r.orders[c.ID] = c
	r.byTrader[c.Trader] = append(r.byTrader[c.Trader], c.ID)
	if c.ID > r.lastOrderID {
		r.lastOrderID = c.ID
	}
	return nil
}

// GetOrder returns a copy of the order
func (r *Registry) GetOrder(id uint64) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return o.Clone(), nil
}

// GetTraderOrders returns copies of the trader's orders in creation order
func (r *Registry) GetTraderOrders(trader string) []*models.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byTrader[trader]
	out := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.orders[id].Clone())
	}
	return out
}

// UpdateOrderStatus sets the fill state of a single order
func (r *Registry) UpdateOrderStatus(id uint64, filled *uint256.Int, status models.OrderStatus) error {
	return r.ApplyFills([]Fill{{OrderID: id, FilledQuantity: filled, Status: status}})
}

// ApplyFills validates every transition first and applies them only if all
// pass, so a rejected batch leaves the registry untouched. An order may
// appear at most once per batch.
func (r *Registry) ApplyFills(fills []Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uint64]struct{}, len(fills))
	for _, f := range fills {
		o, ok := r.orders[f.OrderID]
		if !ok {
			return fmt.Errorf("order %d: %w", f.OrderID, models.ErrNotFound)
		}
		if _, dup := seen[f.OrderID]; dup {
			return fmt.Errorf("order %d updated twice in one batch: %w", f.OrderID, models.ErrStateConflict)
		}
		seen[f.OrderID] = struct{}{}
		if o.Status.Terminal() {
			return fmt.Errorf("order %d is %s: %w", o.ID, o.Status, models.ErrStateConflict)
		}
		if f.FilledQuantity.Lt(o.FilledQuantity) {
			return fmt.Errorf("order %d fill cannot decrease: %w", o.ID, models.ErrStateConflict)
		}
		if err := checkFill(o, f.FilledQuantity, f.Status); err != nil {
			return err
		}
	}

	for _, f := range fills {
		o := r.orders[f.OrderID]
		o.FilledQuantity = f.FilledQuantity.Clone()
		o.Status = f.Status
	}
	return nil
}

// CanCancel reports whether CancelOrder would succeed
func (r *Registry) CanCancel(id uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canCancel(id)
}

// CancelOrder moves an OPEN or PARTIALLY_FILLED order to CANCELED.
// Removing resting quantity from the book is the caller's job.
func (r *Registry) CancelOrder(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.canCancel(id); err != nil {
		return err
	}
	r.orders[id].Status = models.StatusCanceled
	return nil
}

// NextSettlementID allocates a global settlement id
func (r *Registry) NextSettlementID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSettleID++
	return r.lastSettleID
}

// SetOrderSequence advances the order id sequence after a restart. Terminal
// orders are not restored, so their ids must be skipped explicitly.
func (r *Registry) SetOrderSequence(last uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last > r.lastOrderID {
		r.lastOrderID = last
	}
}

// SetSettlementSequence advances the settlement id sequence after a restart
func (r *Registry) SetSettlementSequence(last uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last > r.lastSettleID {
		r.lastSettleID = last
	}
}

func (r *Registry) canCancel(id uint64) error {
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %d is %s: %w", id, o.Status, models.ErrStateConflict)
	}
	return nil
}

// checkFill enforces 0 <= filled <= quantity and FILLED iff filled == quantity
func checkFill(o *models.Order, filled *uint256.Int, status models.OrderStatus) error {
	if filled.Gt(o.Quantity) {
		return fmt.Errorf("order %d fill %s exceeds quantity %s: %w", o.ID, filled.Dec(), o.Quantity.Dec(), models.ErrStateConflict)
	}
	full := filled.Eq(o.Quantity)
	switch status {
	case models.StatusFilled:
		if !full {
			return fmt.Errorf("order %d cannot be FILLED with %s of %s: %w", o.ID, filled.Dec(), o.Quantity.Dec(), models.ErrStateConflict)
		}
	case models.StatusOpen:
		if !filled.IsZero() {
			return fmt.Errorf("order %d cannot be OPEN with a fill: %w", o.ID, models.ErrStateConflict)
		}
	case models.StatusPartiallyFilled:
		if filled.IsZero() || full {
			return fmt.Errorf("order %d cannot be PARTIALLY_FILLED with %s of %s: %w", o.ID, filled.Dec(), o.Quantity.Dec(), models.ErrStateConflict)
		}
	case models.StatusCanceled:
		if full {
			return fmt.Errorf("order %d is fully filled and cannot be CANCELED: %w", o.ID, models.ErrStateConflict)
		}
	default:
		return fmt.Errorf("unknown status %d: %w", status, models.ErrValidation)
	}
	return nil
}
