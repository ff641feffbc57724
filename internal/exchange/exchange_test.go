package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/clob/internal/events"
	"github.com/xtrntr/clob/internal/ledger"
	"github.com/xtrntr/clob/internal/metrics"
	"github.com/xtrntr/clob/internal/models"
	"github.com/xtrntr/clob/internal/registry"
	"github.com/xtrntr/clob/internal/vault"
	"go.uber.org/zap"
)

const (
	owner     = "0xowner"
	recipient = "0xfees"
	alice     = "0xalice"
	bob       = "0xbob"
)

var (
	wethUSDC = models.Pair{Base: "WETH", Quote: "USDC"}
	wbtcUSDC = models.Pair{Base: "WBTC", Quote: "USDC"}
)

func u(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

type memHistory struct {
	mu          sync.Mutex
	orders      map[uint64]*models.Order
	settlements map[uint64]*models.Settlement
	err         error
}

func newMemHistory() *memHistory {
	return &memHistory{orders: make(map[uint64]*models.Order), settlements: make(map[uint64]*models.Settlement)}
}

func (h *memHistory) SaveOrder(_ context.Context, o *models.Order) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.orders[o.ID] = o.Clone()
	return nil
}

func (h *memHistory) SaveSettlement(_ context.Context, s *models.Settlement) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.settlements[s.ID] = s.Clone()
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() map[events.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[events.Kind]int)
	for _, ev := range r.events {
		out[ev.Kind]++
	}
	return out
}

type fixture struct {
	ex      *Exchange
	ledger  *ledger.Memory
	history *memHistory
	events  *recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.NewMemory()
	for _, trader := range []string{alice, bob} {
		l.Deposit("WETH", trader, u(1_000))
		l.Deposit("WBTC", trader, u(1_000))
		l.Deposit("USDC", trader, u(10_000_000))
	}
	v, err := vault.New(l, owner, models.FeeConfig{TakerFeeBps: 30, MakerFeeBps: 10, Recipient: recipient}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		ledger:  l,
		history: newMemHistory(),
		events:  &recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.ex = NewExchange(registry.New(), v, owner, zap.NewNop(),
		WithHistory(f.history),
		WithPublisher(f.events),
		WithMetrics(f.metrics),
	)
	require.NoError(t, f.ex.AddPair(owner, wethUSDC))
	return f
}

func (f *fixture) place(t *testing.T, trader string, isBuy bool, typ models.OrderType, price, qty uint64) *Result {
	t.Helper()
	res, err := f.ex.CreateAndMatch(context.Background(), newOrder(trader, wethUSDC, isBuy, typ, price, qty))
	require.NoError(t, err)
	return res
}

func newOrder(trader string, p models.Pair, isBuy bool, typ models.OrderType, price, qty uint64) registry.NewOrder {
	return registry.NewOrder{
		Trader:     trader,
		BaseToken:  p.Base,
		QuoteToken: p.Quote,
		Price:      u(price),
		Quantity:   u(qty),
		IsBuy:      isBuy,
		Type:       typ,
	}
}

func TestExchange_CreateAndMatch(t *testing.T) {
	f := newFixture(t)

	ask := f.place(t, alice, false, models.Limit, 1_000, 5)
	assert.Empty(t, ask.Settlements)
	assert.Equal(t, models.StatusOpen, ask.Order.Status)

	bid := f.place(t, bob, true, models.Limit, 1_010, 3)
	require.Len(t, bid.Settlements, 1)
	s := bid.Settlements[0]
	assert.Equal(t, u(1_000), s.Price, "maker price")
	assert.Equal(t, u(3), s.Quantity)
	assert.True(t, s.Processed)
	assert.Empty(t, bid.Unsettled)
	assert.Equal(t, models.StatusFilled, bid.Order.Status)

	maker, err := f.ex.GetOrder(ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallyFilled, maker.Status)
	assert.Equal(t, u(3), maker.FilledQuantity)

	// notional 3000: taker fee 9, maker fee 3
	assert.Equal(t, u(1_003), f.ledger.Balance("WETH", bob))
	assert.Equal(t, u(10_000_000-3_009), f.ledger.Balance("USDC", bob))
	assert.Equal(t, u(10_000_000+2_997), f.ledger.Balance("USDC", alice))
	assert.Equal(t, u(12), f.ledger.Balance("USDC", recipient))

	assert.Len(t, f.history.orders, 2)
	require.Contains(t, f.history.settlements, s.ID)
	assert.True(t, f.history.settlements[s.ID].Processed)
	assert.Equal(t, models.StatusPartiallyFilled, f.history.orders[ask.Order.ID].Status)

	kinds := f.events.kinds()
	assert.Equal(t, 3, kinds[events.KindOrder])
	assert.Equal(t, 1, kinds[events.KindSettlement])

	stored, err := f.ex.Settlement(s.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)

	snap, err := f.ex.GetOrderBook(wethUSDC, 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, u(2), snap.Asks[0].Quantity)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OrdersCreated.WithLabelValues("WETH/USDC", "LIMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Settlements.WithLabelValues("processed")))
}

func TestExchange_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		req    registry.NewOrder
		expect error
	}{
		{
			name:   "UnsupportedPair",
			req:    newOrder(alice, wbtcUSDC, true, models.Limit, 100, 1),
			expect: models.ErrValidation,
		},
		{
			name:   "ZeroQuantity",
			req:    newOrder(alice, wethUSDC, true, models.Limit, 100, 0),
			expect: models.ErrValidation,
		},
		{
			name:   "MarketWithPrice",
			req:    newOrder(alice, wethUSDC, true, models.Market, 100, 1),
			expect: models.ErrValidation,
		},
		{
			name: "FillOrKillShort",
			setup: func(t *testing.T, f *fixture) {
				f.place(t, bob, false, models.Limit, 100, 2)
			},
			req:    newOrder(alice, wethUSDC, true, models.FOK, 100, 3),
			expect: models.ErrInsufficientLiquidity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before, _ := f.ex.GetOrderBook(wethUSDC, 10)

			res, err := f.ex.CreateAndMatch(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.expect), "got %v", err)
			assert.Empty(t, f.ex.GetTraderOrders(alice), "rejected orders are never created")

			after, _ := f.ex.GetOrderBook(wethUSDC, 10)
			assert.Equal(t, before, after)
		})
	}
}

func TestExchange_OrderTypes(t *testing.T) {
	tests := []struct {
		name         string
		typ          models.OrderType
		price        uint64
		expectStatus models.OrderStatus
		expectFilled uint64
		expectBids   int
	}{
		{name: "LimitRests", typ: models.Limit, price: 100, expectStatus: models.StatusPartiallyFilled, expectFilled: 2, expectBids: 1},
		{name: "IOCDiscards", typ: models.IOC, price: 100, expectStatus: models.StatusPartiallyFilled, expectFilled: 2},
		{name: "MarketDiscards", typ: models.Market, price: 0, expectStatus: models.StatusPartiallyFilled, expectFilled: 2},
		{name: "FOKNoLimit", typ: models.FOK, price: 0, expectStatus: models.StatusFilled, expectFilled: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.place(t, bob, false, models.Limit, 100, 2)

			qty := uint64(5)
			if tt.typ == models.FOK {
				qty = 2
			}
			res := f.place(t, alice, true, tt.typ, tt.price, qty)
			assert.Equal(t, tt.expectStatus, res.Order.Status)
			assert.Equal(t, u(tt.expectFilled), res.Order.FilledQuantity)

			snap, err := f.ex.GetOrderBook(wethUSDC, 10)
			require.NoError(t, err)
			assert.Len(t, snap.Bids, tt.expectBids)
			assert.Empty(t, snap.Asks)
		})
	}
}

func TestExchange_Cancel(t *testing.T) {
	f := newFixture(t)
	ask := f.place(t, alice, false, models.Limit, 100, 5)
	f.place(t, bob, true, models.Limit, 100, 2)

	_, err := f.ex.Cancel(context.Background(), bob, ask.Order.ID)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	canceled, err := f.ex.Cancel(context.Background(), alice, ask.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.Equal(t, u(2), canceled.FilledQuantity, "fills survive cancellation")
	assert.Equal(t, models.StatusCanceled, f.history.orders[ask.Order.ID].Status)

	snap, err := f.ex.GetOrderBook(wethUSDC, 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Asks)

	_, err = f.ex.Cancel(context.Background(), alice, ask.Order.ID)
	assert.True(t, errors.Is(err, models.ErrStateConflict))
	_, err = f.ex.Cancel(context.Background(), alice, 999)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestExchange_OwnerCanCancelAnyOrder(t *testing.T) {
	f := newFixture(t)
	bid := f.place(t, bob, true, models.Limit, 100, 1)
	_, err := f.ex.Cancel(context.Background(), owner, bid.Order.ID)
	require.NoError(t, err)
}

func TestExchange_PlaceMarketOrder(t *testing.T) {
	t.Run("BuyWithQuoteBudget", func(t *testing.T) {
		f := newFixture(t)
		f.place(t, alice, false, models.Limit, 100, 2)
		f.place(t, alice, false, models.Limit, 110, 3)

		base, quote, err := f.ex.PlaceMarketOrder(context.Background(), bob, wethUSDC, true, nil, u(450))
		require.NoError(t, err)
		assert.Equal(t, u(4), base)
		assert.Equal(t, u(420), quote)

		snap, _ := f.ex.GetOrderBook(wethUSDC, 10)
		require.Len(t, snap.Asks, 1)
		assert.Equal(t, u(1), snap.Asks[0].Quantity)
	})

	t.Run("SellQuantity", func(t *testing.T) {
		f := newFixture(t)
		f.place(t, bob, true, models.Limit, 100, 2)
		f.place(t, bob, true, models.Limit, 90, 2)

		base, quote, err := f.ex.PlaceMarketOrder(context.Background(), alice, wethUSDC, false, u(3), nil)
		require.NoError(t, err)
		assert.Equal(t, u(3), base)
		assert.Equal(t, u(290), quote)
	})

	t.Run("BuyWithoutLiquidity", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.ex.PlaceMarketOrder(context.Background(), bob, wethUSDC, true, nil, u(450))
		assert.True(t, errors.Is(err, models.ErrInsufficientLiquidity))
		assert.Empty(t, f.ex.GetTraderOrders(bob))
	})

	t.Run("BuyWithoutBudget", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.ex.PlaceMarketOrder(context.Background(), bob, wethUSDC, true, nil, nil)
		assert.True(t, errors.Is(err, models.ErrValidation))
	})
}

func TestExchange_SettlementFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailWhen = func(tr ledger.Transfer) error {
		if tr.To == recipient {
			return errors.New("fee account frozen")
		}
		return nil
	}
	f.place(t, alice, false, models.Limit, 1_000, 1)
	res := f.place(t, bob, true, models.Limit, 1_000, 1)

	require.Len(t, res.Unsettled, 1)
	assert.Equal(t, models.StatusFilled, res.Order.Status, "the match stands")
	assert.Len(t, f.ex.Obligations(), 1)
	assert.False(t, f.history.settlements[res.Unsettled[0]].Processed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OpenObligations))

	_, err := f.ex.RetrySettlements(context.Background(), bob)
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	f.ledger.FailWhen = nil
	receipts, err := f.ex.RetrySettlements(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Empty(t, f.ex.Obligations())
	assert.True(t, f.history.settlements[res.Unsettled[0]].Processed)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.OpenObligations))
}

func TestExchange_MarketOrderSettlementFailure(t *testing.T) {
	f := newFixture(t)
	f.place(t, alice, false, models.Limit, 100, 2)
	f.ledger.FailWhen = func(ledger.Transfer) error {
		return errors.New("ledger unavailable")
	}

	base, quote, err := f.ex.PlaceMarketOrder(context.Background(), bob, wethUSDC, true, nil, u(200))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransferFailed))
	var unsettled *UnsettledError
	require.True(t, errors.As(err, &unsettled))
	assert.Len(t, unsettled.SettlementIDs, 1)
	assert.Equal(t, u(2), base, "the fill stands")
	assert.Equal(t, u(200), quote)
	assert.Len(t, f.ex.Obligations(), 1)
	assert.Equal(t, u(1_000), f.ledger.Balance("WETH", bob))

	f.ledger.FailWhen = nil
	_, err = f.ex.RetrySettlements(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, u(1_002), f.ledger.Balance("WETH", bob))
}

func TestExchange_HistoryFailureDoesNotFailOrders(t *testing.T) {
	f := newFixture(t)
	f.history.err = errors.New("db down")
	res := f.place(t, alice, false, models.Limit, 100, 1)
	assert.Equal(t, models.StatusOpen, res.Order.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PersistenceErrors))
}

func TestExchange_Admin(t *testing.T) {
	f := newFixture(t)

	assert.True(t, errors.Is(f.ex.AddPair(alice, wbtcUSDC), models.ErrUnauthorized))
	assert.True(t, errors.Is(f.ex.AddPair(owner, wethUSDC), models.ErrStateConflict))
	assert.True(t, errors.Is(f.ex.AddPair(owner, models.Pair{Base: "USDC", Quote: "USDC"}), models.ErrValidation))
	require.NoError(t, f.ex.AddPair(owner, wbtcUSDC))
	assert.Equal(t, []models.Pair{wbtcUSDC, wethUSDC}, f.ex.Pairs())

	bid := f.place(t, bob, true, models.Limit, 100, 1)
	assert.True(t, errors.Is(f.ex.RemovePair(owner, wethUSDC), models.ErrStateConflict))
	_, err := f.ex.Cancel(context.Background(), bob, bid.Order.ID)
	require.NoError(t, err)
	require.NoError(t, f.ex.RemovePair(owner, wethUSDC))
	assert.True(t, errors.Is(f.ex.RemovePair(owner, wethUSDC), models.ErrNotFound))

	_, err = f.ex.CreateAndMatch(context.Background(), newOrder(alice, wethUSDC, true, models.Limit, 100, 1))
	assert.True(t, errors.Is(err, models.ErrValidation))

	assert.True(t, errors.Is(f.ex.SetFeeRates(alice, 1, 1), models.ErrUnauthorized))
	require.NoError(t, f.ex.SetFeeRates(owner, 50, 20))
	require.NoError(t, f.ex.SetFeeRecipient(owner, "0xtreasury"))
	assert.Equal(t, models.FeeConfig{TakerFeeBps: 50, MakerFeeBps: 20, Recipient: "0xtreasury"}, f.ex.FeeConfig())
}

func TestExchange_Restore(t *testing.T) {
	f := newFixture(t)
	orders := []*models.Order{
		{ID: 4, Trader: bob, BaseToken: "WETH", QuoteToken: "USDC", Price: u(100), Quantity: u(3), FilledQuantity: u(0), IsBuy: true, Type: models.Limit, Status: models.StatusOpen},
		{ID: 2, Trader: alice, BaseToken: "WETH", QuoteToken: "USDC", Price: u(100), Quantity: u(5), FilledQuantity: u(1), IsBuy: true, Type: models.Limit, Status: models.StatusPartiallyFilled},
		{ID: 3, Trader: alice, BaseToken: "WETH", QuoteToken: "USDC", Price: u(90), Quantity: u(1), FilledQuantity: u(1), IsBuy: true, Type: models.Limit, Status: models.StatusFilled},
		{ID: 5, Trader: alice, BaseToken: "WBTC", QuoteToken: "USDC", Price: u(90), Quantity: u(1), FilledQuantity: u(0), Type: models.Limit, Status: models.StatusOpen},
	}
	require.NoError(t, f.ex.Restore(orders, 9, 41))

	snap, err := f.ex.GetOrderBook(wethUSDC, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, u(7), snap.Bids[0].Quantity)
	assert.Equal(t, 2, snap.Bids[0].Orders)

	// Restored time priority: order 2 fills before order 4.
	res := f.place(t, bob, false, models.Limit, 100, 4)
	require.Len(t, res.Settlements, 1)
	assert.Equal(t, uint64(2), res.Settlements[0].MakerOrderID)
	assert.Equal(t, uint64(42), res.Settlements[0].ID)
	assert.Equal(t, uint64(10), res.Order.ID, "ids continue after the highest persisted one")

	assert.Error(t, f.ex.Restore(orders[:1], 0, 0), "duplicate ids are rejected")
}

func TestExchange_Snapshots(t *testing.T) {
	f := newFixture(t)
	f.place(t, alice, false, models.Limit, 120, 2)
	f.place(t, bob, true, models.Limit, 100, 3)

	evs := f.ex.Snapshots(5)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindOrderBook, evs[0].Kind)
	assert.Equal(t, "100", evs[0].OrderBook.Bids[0].Price)
	assert.Equal(t, "3", evs[0].OrderBook.Bids[0].Quantity)
	assert.Equal(t, "120", evs[0].OrderBook.Asks[0].Price)
}

// Pairs run concurrently; every fill must be matched by an opposite fill of
// the same size and every settlement processed.
func TestExchange_ConcurrentPairs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ex.AddPair(owner, wbtcUSDC))

	var wg sync.WaitGroup
	for _, p := range []models.Pair{wethUSDC, wbtcUSDC} {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(p models.Pair, w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					trader := alice
					isBuy := (i+w)%2 == 0
					if isBuy {
						trader = bob
					}
					price := uint64(95 + (i*7+w)%10)
					_, err := f.ex.CreateAndMatch(context.Background(), newOrder(trader, p, isBuy, models.Limit, price, uint64(1+i%3)))
					assert.NoError(t, err, fmt.Sprintf("%s worker %d order %d", p, w, i))
				}
			}(p, w)
		}
	}
	wg.Wait()

	for _, p := range []models.Pair{wethUSDC, wbtcUSDC} {
		bought, sold := new(uint256.Int), new(uint256.Int)
		for _, trader := range []string{alice, bob} {
			for _, o := range f.ex.GetTraderOrders(trader) {
				if o.Pair() != p {
					continue
				}
				if o.IsBuy {
					bought.Add(bought, o.FilledQuantity)
				} else {
					sold.Add(sold, o.FilledQuantity)
				}
			}
		}
		assert.Equal(t, bought, sold, p.String())
	}
	assert.Empty(t, f.ex.Obligations())
	for id, s := range f.history.settlements {
		assert.True(t, s.Processed, "settlement %d", id)
	}
}
