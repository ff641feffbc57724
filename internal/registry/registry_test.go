package registry

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/clob/internal/models"
)

func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func limitOrder(trader string, isBuy bool, price, qty uint64) NewOrder {
	return NewOrder{
		Trader:     trader,
		BaseToken:  "WETH",
		QuoteToken: "USDC",
		Price:      u(price),
		Quantity:   u(qty),
		IsBuy:      isBuy,
		Type:       models.Limit,
	}
}

func TestRegistry_CreateOrder(t *testing.T) {
	r := New()

	first, err := r.CreateOrder(limitOrder("alice", true, 100, 5))
	require.NoError(t, err)
	second, err := r.CreateOrder(limitOrder("bob", false, 101, 2))
	require.NoError(t, err)
	third, err := r.CreateOrder(limitOrder("alice", false, 102, 1))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, uint64(3), third.ID)
	assert.Equal(t, models.StatusOpen, first.Status)
	assert.True(t, first.FilledQuantity.IsZero())
	assert.False(t, first.CreatedAt.IsZero())

	orders := r.GetTraderOrders("alice")
	require.Len(t, orders, 2)
	assert.Equal(t, first.ID, orders[0].ID)
	assert.Equal(t, third.ID, orders[1].ID)
	assert.Empty(t, r.GetTraderOrders("nobody"))
}

func TestRegistry_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewOrder)
	}{
		{name: "MissingTrader", mutate: func(o *NewOrder) { o.Trader = "" }},
		{name: "SameTokens", mutate: func(o *NewOrder) { o.QuoteToken = o.BaseToken }},
		{name: "ZeroQuantity", mutate: func(o *NewOrder) { o.Quantity = u(0) }},
		{name: "NilPrice", mutate: func(o *NewOrder) { o.Price = nil }},
		{name: "ZeroLimitPrice", mutate: func(o *NewOrder) { o.Price = u(0) }},
		{name: "PricedMarket", mutate: func(o *NewOrder) { o.Type = models.Market }},
		{name: "UnknownType", mutate: func(o *NewOrder) { o.Type = models.OrderType(9) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			req := limitOrder("alice", true, 100, 5)
			tt.mutate(&req)
			_, err := r.CreateOrder(req)
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
			assert.Empty(t, r.GetTraderOrders("alice"))
		})
	}

	zeroPriced := limitOrder("alice", true, 0, 5)
	for _, typ := range []models.OrderType{models.Market, models.IOC, models.FOK} {
		zeroPriced.Type = typ
		assert.NoError(t, Validate(zeroPriced), typ.String())
	}
}

func TestRegistry_UpdateOrderStatus(t *testing.T) {
	tests := []struct {
		name        string
		setup       []Fill
		filled      uint64
		status      models.OrderStatus
		expectError error
	}{
		{name: "Partial", filled: 2, status: models.StatusPartiallyFilled},
		{name: "Full", filled: 5, status: models.StatusFilled},
		{name: "FilledButShort", filled: 4, status: models.StatusFilled, expectError: models.ErrStateConflict},
		{name: "PartialButFull", filled: 5, status: models.StatusPartiallyFilled, expectError: models.ErrStateConflict},
		{name: "OpenWithFill", filled: 1, status: models.StatusOpen, expectError: models.ErrStateConflict},
		{name: "Overfill", filled: 6, status: models.StatusFilled, expectError: models.ErrStateConflict},
		{
			name:        "Decrease",
			setup:       []Fill{{OrderID: 1, FilledQuantity: u(3), Status: models.StatusPartiallyFilled}},
			filled:      2,
			status:      models.StatusPartiallyFilled,
			expectError: models.ErrStateConflict,
		},
		{
			name:        "Terminal",
			setup:       []Fill{{OrderID: 1, FilledQuantity: u(5), Status: models.StatusFilled}},
			filled:      5,
			status:      models.StatusFilled,
			expectError: models.ErrStateConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			_, err := r.CreateOrder(limitOrder("alice", true, 100, 5))
			require.NoError(t, err)
			require.NoError(t, r.ApplyFills(tt.setup))
			before, _ := r.GetOrder(1)

			err = r.UpdateOrderStatus(1, u(tt.filled), tt.status)
			after, _ := r.GetOrder(1)

			if tt.expectError != nil {
				assert.True(t, errors.Is(err, tt.expectError), "got %v", err)
				assert.Equal(t, before, after)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, u(tt.filled), after.FilledQuantity)
			assert.Equal(t, tt.status, after.Status)
		})
	}

	_, err := New().GetOrder(7)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRegistry_ApplyFillsIsAtomic(t *testing.T) {
	r := New()
	_, err := r.CreateOrder(limitOrder("alice", false, 100, 5))
	require.NoError(t, err)
	_, err = r.CreateOrder(limitOrder("bob", true, 100, 3))
	require.NoError(t, err)

	err = r.ApplyFills([]Fill{
		{OrderID: 1, FilledQuantity: u(3), Status: models.StatusPartiallyFilled},
		{OrderID: 2, FilledQuantity: u(4), Status: models.StatusFilled},
	})
	assert.True(t, errors.Is(err, models.ErrStateConflict))

	first, _ := r.GetOrder(1)
	assert.True(t, first.FilledQuantity.IsZero(), "valid leading update must not be applied")
	assert.Equal(t, models.StatusOpen, first.Status)

	err = r.ApplyFills([]Fill{
		{OrderID: 1, FilledQuantity: u(1), Status: models.StatusPartiallyFilled},
		{OrderID: 1, FilledQuantity: u(2), Status: models.StatusPartiallyFilled},
	})
	assert.True(t, errors.Is(err, models.ErrStateConflict))
}

func TestRegistry_CancelOrder(t *testing.T) {
	r := New()
	_, err := r.CreateOrder(limitOrder("alice", true, 100, 5))
	require.NoError(t, err)
	_, err = r.CreateOrder(limitOrder("alice", true, 100, 5))
	require.NoError(t, err)
	require.NoError(t, r.UpdateOrderStatus(2, u(2), models.StatusPartiallyFilled))

	require.NoError(t, r.CancelOrder(1))
	require.NoError(t, r.CancelOrder(2))

	o, _ := r.GetOrder(2)
	assert.Equal(t, models.StatusCanceled, o.Status)
	assert.Equal(t, u(2), o.FilledQuantity, "cancel keeps the fill history")

	assert.True(t, errors.Is(r.CancelOrder(2), models.ErrStateConflict))
	assert.True(t, errors.Is(r.CanCancel(2), models.ErrStateConflict))
	assert.True(t, errors.Is(r.CancelOrder(9), models.ErrNotFound))
	assert.True(t, errors.Is(r.UpdateOrderStatus(1, u(1), models.StatusPartiallyFilled), models.ErrStateConflict))
}

func TestRegistry_GetOrderReturnsCopy(t *testing.T) {
	r := New()
	_, err := r.CreateOrder(limitOrder("alice", true, 100, 5))
	require.NoError(t, err)

	o, _ := r.GetOrder(1)
	o.FilledQuantity.SetUint64(5)
	o.Status = models.StatusFilled

	again, _ := r.GetOrder(1)
	assert.True(t, again.FilledQuantity.IsZero())
	assert.Equal(t, models.StatusOpen, again.Status)
}

func TestRegistry_Restore(t *testing.T) {
	r := New()
	persisted := &models.Order{
		ID:             41,
		Trader:         "alice",
		BaseToken:      "WETH",
		QuoteToken:     "USDC",
		Price:          u(100),
		Quantity:       u(5),
		IsBuy:          true,
		Type:           models.Limit,
		Status:         models.StatusPartiallyFilled,
		FilledQuantity: u(2),
	}
	require.NoError(t, r.Restore(persisted))
	assert.True(t, errors.Is(r.Restore(persisted), models.ErrStateConflict))

	next, err := r.CreateOrder(limitOrder("bob", false, 100, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next.ID)

	r.SetOrderSequence(50)
	r.SetOrderSequence(7)
	next, err = r.CreateOrder(limitOrder("bob", false, 100, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(51), next.ID)

	r.SetSettlementSequence(10)
	assert.Equal(t, uint64(11), r.NextSettlementID())
	r.SetSettlementSequence(3)
	assert.Equal(t, uint64(12), r.NextSettlementID())
}
