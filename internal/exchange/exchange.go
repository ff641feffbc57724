// Package exchange is the orchestrator in front of the matching engine. It
// keeps the pair whitelist, serializes each pair's book behind its own lock,
// hands settlements to the vault once the lock is released, and records
// history and events for every state change.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/events"
	"github.com/xtrntr/clob/internal/metrics"
	"github.com/xtrntr/clob/internal/models"
	"github.com/xtrntr/clob/internal/orderbook"
	"github.com/xtrntr/clob/internal/registry"
	"github.com/xtrntr/clob/internal/vault"
	"go.uber.org/zap"
)

// History persists orders and settlements
type History interface {
	SaveOrder(ctx context.Context, o *models.Order) error
	SaveSettlement(ctx context.Context, s *models.Settlement) error
}

type nopHistory struct{}

func (nopHistory) SaveOrder(context.Context, *models.Order) error           { return nil }
func (nopHistory) SaveSettlement(context.Context, *models.Settlement) error { return nil }

// market is one listed pair and the lock serializing its book
type market struct {
	mu       sync.Mutex
	book     *orderbook.Book
	delisted bool
}

// Exchange manages the listed pairs and routes orders to their books
type Exchange struct {
	registry *registry.Registry
	vault    *vault.Vault
	owner    string

	mu      sync.RWMutex
	markets map[models.Pair]*market

	history History
	events  events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Option configures optional collaborators
type Option func(*Exchange)

// WithHistory persists every order and settlement change to h
func WithHistory(h History) Option {
	return func(e *Exchange) { e.history = h }
}

// WithPublisher sends lifecycle events to p
func WithPublisher(p events.Publisher) Option {
	return func(e *Exchange) { e.events = p }
}

// WithMetrics records engine metrics to m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// Result reports the outcome of an order
type Result struct {
	Order       *models.Order
	Settlements []*models.Settlement
	// Unsettled lists settlements whose transfers failed and now wait for
	// reconciliation. The match itself stands.
	Unsettled []uint64
}

// UnsettledError reports settlements of a market order whose transfers
// failed. The fill itself stands and is returned alongside it.
type UnsettledError struct {
	SettlementIDs []uint64
}

func (e *UnsettledError) Error() string {
	return fmt.Sprintf("settlements %v await reconciliation", e.SettlementIDs)
}

func (e *UnsettledError) Is(target error) bool { return target == models.ErrTransferFailed }

// Snapshot is a depth view of one pair
type Snapshot struct {
	Pair models.Pair
	Bids []orderbook.Level
	Asks []orderbook.Level
}

// NewExchange creates an exchange with no listed pairs. owner is the only
// caller allowed to use the admin operations.
func NewExchange(reg *registry.Registry, v *vault.Vault, owner string, log *zap.Logger, opts ...Option) *Exchange {
	e := &Exchange{
		registry: reg,
		vault:    v,
		owner:    owner,
		markets:  make(map[models.Pair]*market),
		history:  nopHistory{},
		events:   events.Nop{},
		log:      log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Owner returns the admin address
func (e *Exchange) Owner() string {
	return e.owner
}

// AddPair lists a pair for trading
func (e *Exchange) AddPair(caller string, p models.Pair) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
		return fmt.Errorf("invalid pair %s: %w", p, models.ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[p]; ok {
		return fmt.Errorf("pair %s already listed: %w", p, models.ErrStateConflict)
	}
	e.markets[p] = &market{book: orderbook.NewBook(p, e.registry, e.log)}
	e.log.Info("pair listed", zap.Stringer("pair", p))
	return nil
}

// RemovePair delists a pair. The book must be empty.
func (e *Exchange) RemovePair(caller string, p models.Pair) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[p]
	if !ok {
		return fmt.Errorf("pair %s is not listed: %w", p, models.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.book.Bids().Len() > 0 || m.book.Asks().Len() > 0 {
		return fmt.Errorf("pair %s still has resting orders: %w", p, models.ErrStateConflict)
	}
	m.delisted = true
	delete(e.markets, p)
	e.log.Info("pair delisted", zap.Stringer("pair", p))
	return nil
}

// Pairs returns the listed pairs in name order
func (e *Exchange) Pairs() []models.Pair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Pair, 0, len(e.markets))
	for p := range e.markets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SetFeeRates changes the vault fee rates
func (e *Exchange) SetFeeRates(caller string, takerBps, makerBps uint64) error {
	return e.vault.SetFeeRates(caller, takerBps, makerBps)
}

// SetFeeRecipient changes the vault fee recipient
func (e *Exchange) SetFeeRecipient(caller, recipient string) error {
	return e.vault.SetFeeRecipient(caller, recipient)
}

// FeeConfig returns the current fee schedule
func (e *Exchange) FeeConfig() models.FeeConfig {
	return e.vault.FeeConfig()
}

// CreateAndMatch creates an order, matches it against its book and settles
// the resulting trades. Orders failing validation or a fill-or-kill check are
// never created; an order the book rejects is left canceled.
func (e *Exchange) CreateAndMatch(ctx context.Context, req registry.NewOrder) (*Result, error) {
	if err := registry.Validate(req); err != nil {
		e.metrics.OrderRejected("validation")
		return nil, err
	}
	pair := models.Pair{Base: req.BaseToken, Quote: req.QuoteToken}
	m, err := e.market(pair)
	if err != nil {
		e.metrics.OrderRejected("pair")
		return nil, err
	}

	m.mu.Lock()
	order, settlements, makers, err := e.match(m, req, func(id uint64) error {
		_, err := m.book.MatchOrders(id)
		return err
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, order, makers, settlements), nil
}

// PlaceMarketOrder executes a market order synchronously and reports what
// traded. Sells spend quantity of base. Buys spend at most quoteAmount of
// quote, walking the asks until the budget cannot buy another unit.
// If any resulting settlement fails to transfer, the filled amounts are
// returned together with an *UnsettledError.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, trader string, pair models.Pair, isBuy bool, quantity, quoteAmount *uint256.Int) (filledBase, filledQuote *uint256.Int, err error) {
	m, err := e.market(pair)
	if err != nil {
		e.metrics.OrderRejected("pair")
		return nil, nil, err
	}

	req := registry.NewOrder{
		Trader:     trader,
		BaseToken:  pair.Base,
		QuoteToken: pair.Quote,
		Price:      new(uint256.Int),
		Quantity:   quantity,
		IsBuy:      isBuy,
		Type:       models.Market,
	}
	matchFn := func(id uint64) error {
		_, err := m.book.MatchOrders(id)
		return err
	}

	m.mu.Lock()
	if isBuy {
		if quoteAmount == nil || quoteAmount.IsZero() {
			m.mu.Unlock()
			e.metrics.OrderRejected("validation")
			return nil, nil, fmt.Errorf("quote amount must be positive: %w", models.ErrValidation)
		}
		base, _ := m.book.BaseForQuote(quoteAmount)
		if base.IsZero() {
			m.mu.Unlock()
			e.metrics.OrderRejected("liquidity")
			return nil, nil, fmt.Errorf("%s quote buys nothing on %s: %w", quoteAmount.Dec(), pair, models.ErrInsufficientLiquidity)
		}
		req.Quantity = base
		matchFn = func(id uint64) error {
			_, err := m.book.MatchWithQuoteBudget(id, quoteAmount)
			return err
		}
	}
	if err := registry.Validate(req); err != nil {
		m.mu.Unlock()
		e.metrics.OrderRejected("validation")
		return nil, nil, err
	}
	order, settlements, makers, err := e.match(m, req, matchFn)
	m.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	res := e.settle(ctx, order, makers, settlements)
	filledQuote = new(uint256.Int)
	for _, s := range settlements {
		filledQuote.Add(filledQuote, new(uint256.Int).Mul(s.Quantity, s.Price))
	}
	if len(res.Unsettled) > 0 {
		return order.FilledQuantity.Clone(), filledQuote, &UnsettledError{SettlementIDs: res.Unsettled}
	}
	return order.FilledQuantity.Clone(), filledQuote, nil
}

// match runs under m.mu. It creates the order, runs matchFn and drains the
// settlements. A match that fails leaves the order canceled.
func (e *Exchange) match(m *market, req registry.NewOrder, matchFn func(id uint64) error) (*models.Order, []*models.Settlement, []*models.Order, error) {
	start := time.Now()
	book := m.book
	pair := book.Pair()
	if m.delisted {
		e.metrics.OrderRejected("pair")
		return nil, nil, nil, fmt.Errorf("pair %s is not supported: %w", pair, models.ErrValidation)
	}

	if req.Type == models.FOK && !book.CanOrderBeFullyFilled(req.IsBuy, req.Price, req.Quantity) {
		e.metrics.OrderRejected("liquidity")
		return nil, nil, nil, fmt.Errorf("fill-or-kill for %s on %s: %w", req.Quantity.Dec(), pair, models.ErrInsufficientLiquidity)
	}

	order, err := e.registry.CreateOrder(req)
	if err != nil {
		e.metrics.OrderRejected("validation")
		return nil, nil, nil, err
	}
	if err := matchFn(order.ID); err != nil {
		e.metrics.OrderRejected("match")
		if cerr := e.registry.CancelOrder(order.ID); cerr != nil {
			e.log.Error("failed to cancel rejected order", zap.Uint64("order_id", order.ID), zap.Error(cerr))
		}
		return nil, nil, nil, err
	}
	settlements := book.GetPendingSettlements(order.ID)

	order, err = e.registry.GetOrder(order.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	seen := make(map[uint64]bool, len(settlements))
	makers := make([]*models.Order, 0, len(settlements))
	for _, s := range settlements {
		if seen[s.MakerOrderID] {
			continue
		}
		seen[s.MakerOrderID] = true
		if mo, err := e.registry.GetOrder(s.MakerOrderID); err == nil {
			makers = append(makers, mo)
		}
	}

	e.metrics.OrderCreated(pair.String(), req.Type.String())
	e.metrics.ObserveMatch(pair.String(), time.Since(start).Seconds())
	e.metrics.SetBookLevels(pair.String(), book.Bids().Len(), book.Asks().Len())
	return order, settlements, makers, nil
}

// settle runs without any pair lock held
func (e *Exchange) settle(ctx context.Context, order *models.Order, makers []*models.Order, settlements []*models.Settlement) *Result {
	res := &Result{Order: order, Settlements: settlements}

	if len(settlements) > 0 {
		receipts, err := e.vault.ProcessSettlements(ctx, settlements)
		if err != nil {
			for _, s := range settlements {
				if !s.Processed {
					res.Unsettled = append(res.Unsettled, s.ID)
				}
			}
			e.log.Error("settlements await reconciliation",
				zap.Uint64("order_id", order.ID),
				zap.Uint64s("settlement_ids", res.Unsettled),
				zap.Error(err),
			)
		}
		e.metrics.SettlementsProcessed(len(receipts), len(settlements)-len(receipts))
		e.metrics.SetObligations(len(e.vault.Pending()))
	}

	e.record(ctx, append([]*models.Order{order}, makers...), settlements)
	return res
}

// record persists and publishes changes. Failures here never undo a match.
func (e *Exchange) record(ctx context.Context, orders []*models.Order, settlements []*models.Settlement) {
	for _, o := range orders {
		if err := e.history.SaveOrder(ctx, o); err != nil {
			e.metrics.PersistenceFailed()
			e.log.Error("failed to save order", zap.Uint64("order_id", o.ID), zap.Error(err))
		}
		e.publish(ctx, events.OrderEvent(o))
	}
	for _, s := range settlements {
		if err := e.history.SaveSettlement(ctx, s); err != nil {
			e.metrics.PersistenceFailed()
			e.log.Error("failed to save settlement", zap.Uint64("settlement_id", s.ID), zap.Error(err))
		}
		e.publish(ctx, events.SettlementEvent(s))
	}
}

func (e *Exchange) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.metrics.PublishFailed()
		e.log.Warn("failed to publish event", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Cancel cancels an open or partially filled order. Only the order's trader
// or the owner may cancel it.
func (e *Exchange) Cancel(ctx context.Context, caller string, orderID uint64) (*models.Order, error) {
	o, err := e.registry.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if caller != o.Trader && caller != e.owner {
		return nil, fmt.Errorf("order %d belongs to another trader: %w", orderID, models.ErrUnauthorized)
	}

	// Orders of a delisted pair were never resting, so the registry alone decides.
	m, merr := e.market(o.Pair())
	if merr == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if err := e.registry.CanCancel(orderID); err != nil {
		return nil, err
	}
	if merr == nil && m.book.IsResting(orderID) {
		if _, err := m.book.RemoveOrder(orderID); err != nil {
			return nil, err
		}
	}
	if err := e.registry.CancelOrder(orderID); err != nil {
		// CanCancel passed under the pair lock, so only a registry bug lands here.
		e.log.Error("order removed from book but not canceled", zap.Uint64("order_id", orderID), zap.Error(err))
		return nil, err
	}
	if merr == nil {
		e.metrics.SetBookLevels(o.Pair().String(), m.book.Bids().Len(), m.book.Asks().Len())
	}

	canceled, err := e.registry.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	e.metrics.OrderCanceled(o.Pair().String())
	e.record(ctx, []*models.Order{canceled}, nil)
	return canceled, nil
}

// GetOrderBook returns up to levels price levels per side
func (e *Exchange) GetOrderBook(pair models.Pair, levels int) (*Snapshot, error) {
	m, err := e.market(pair)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bids, asks := m.book.Depth(levels)
	return &Snapshot{Pair: pair, Bids: bids, Asks: asks}, nil
}

// GetOrder returns an order by id
func (e *Exchange) GetOrder(id uint64) (*models.Order, error) {
	return e.registry.GetOrder(id)
}

// GetTraderOrders returns a trader's orders, oldest first
func (e *Exchange) GetTraderOrders(trader string) []*models.Order {
	return e.registry.GetTraderOrders(trader)
}

// Settlement returns a settlement by id
func (e *Exchange) Settlement(id uint64) (*models.Settlement, error) {
	return e.vault.Settlement(id)
}

// Obligations returns the settlements awaiting reconciliation
func (e *Exchange) Obligations() []vault.Obligation {
	return e.vault.Pending()
}

// RetrySettlements reprocesses failed settlements that are not stuck
func (e *Exchange) RetrySettlements(ctx context.Context, caller string) ([]*vault.Receipt, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	receipts, err := e.vault.Retry(ctx)
	settled := make([]*models.Settlement, 0, len(receipts))
	for _, r := range receipts {
		if s, serr := e.vault.Settlement(r.SettlementID); serr == nil {
			settled = append(settled, s)
		}
	}
	e.record(ctx, nil, settled)
	pending := len(e.vault.Pending())
	e.metrics.SetObligations(pending)
	e.log.Info("settlement retry finished", zap.Int("settled", len(receipts)), zap.Int("pending", pending))
	return receipts, err
}

// Restore rebuilds state from persisted orders after a restart. Non-terminal
// limit orders of listed pairs go back on their books in id order so time
// priority survives. lastOrderID and lastSettlementID continue the id
// sequences past every persisted record.
func (e *Exchange) Restore(orders []*models.Order, lastOrderID, lastSettlementID uint64) error {
	sorted := append([]*models.Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var errs []error
	for _, o := range sorted {
		if err := e.registry.Restore(o); err != nil {
			errs = append(errs, err)
			continue
		}
		if o.Type != models.Limit || o.Status.Terminal() {
			continue
		}
		m, err := e.market(o.Pair())
		if err != nil {
			e.log.Warn("open order on unlisted pair left off the book", zap.Uint64("order_id", o.ID), zap.Stringer("pair", o.Pair()))
			continue
		}
		m.mu.Lock()
		err = m.book.Rest(o)
		m.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.registry.SetOrderSequence(lastOrderID)
	e.registry.SetSettlementSequence(lastSettlementID)
	return errors.Join(errs...)
}

// Snapshots returns a depth event per listed pair, used to prime new
// websocket subscribers.
func (e *Exchange) Snapshots(levels int) []events.Event {
	pairs := e.Pairs()
	out := make([]events.Event, 0, len(pairs))
	for _, p := range pairs {
		snap, err := e.GetOrderBook(p, levels)
		if err != nil {
			continue
		}
		out = append(out, events.OrderBookEvent(snap.View()))
	}
	return out
}

// View converts the snapshot to its wire form
func (s *Snapshot) View() *events.OrderBookView {
	v := &events.OrderBookView{
		Pair: s.Pair.String(),
		Bids: make([]events.LevelView, 0, len(s.Bids)),
		Asks: make([]events.LevelView, 0, len(s.Asks)),
	}
	for _, l := range s.Bids {
		v.Bids = append(v.Bids, events.NewLevelView(l.Price, l.Quantity))
	}
	for _, l := range s.Asks {
		v.Asks = append(v.Asks, events.NewLevelView(l.Price, l.Quantity))
	}
	return v
}

func (e *Exchange) market(p models.Pair) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.markets[p]
	if !ok {
		return nil, fmt.Errorf("pair %s is not supported: %w", p, models.ErrValidation)
	}
	return m, nil
}

func (e *Exchange) authorize(caller string) error {
	if caller == "" || caller != e.owner {
		return fmt.Errorf("caller %q is not the exchange owner: %w", caller, models.ErrUnauthorized)
	}
	return nil
}
