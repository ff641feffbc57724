// Package events carries order, settlement and order book updates out of the
// engine, to websocket subscribers and to Kafka.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"
)

// Kind names the payload an Event carries
type Kind string

const (
	KindOrder      Kind = "order"
	KindSettlement Kind = "settlement"
	KindOrderBook  Kind = "orderbook"
)

// Event is one update. Exactly one payload is set, matching Kind.
type Event struct {
	Kind       Kind            `json:"kind"`
	Pair       string          `json:"pair"`
	Order      *OrderView      `json:"order,omitempty"`
	Settlement *SettlementView `json:"settlement,omitempty"`
	OrderBook  *OrderBookView  `json:"orderbook,omitempty"`
	Time       time.Time       `json:"time"`
}

// Key groups events that must stay ordered relative to each other
func (e Event) Key() string {
	return e.Pair
}

// OrderView is the wire form of an order. Amounts are decimal strings.
type OrderView struct {
	ID             uint64    `json:"id"`
	Trader         string    `json:"trader"`
	BaseToken      string    `json:"base_token"`
	QuoteToken     string    `json:"quote_token"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Price          string    `json:"price"`
	Quantity       string    `json:"quantity"`
	FilledQuantity string    `json:"filled_quantity"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// SettlementView is the wire form of a settlement
type SettlementView struct {
	ID           uint64    `json:"id"`
	TakerOrderID uint64    `json:"taker_order_id"`
	MakerOrderID uint64    `json:"maker_order_id"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	Pair         string    `json:"pair"`
	Quantity     string    `json:"quantity"`
	Price        string    `json:"price"`
	Processed    bool      `json:"processed"`
	CreatedAt    time.Time `json:"created_at"`
}

// LevelView is one aggregated price level
type LevelView struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderBookView is a depth snapshot, best price first on both sides
type OrderBookView struct {
	Pair string      `json:"pair"`
	Bids []LevelView `json:"bids"`
	Asks []LevelView `json:"asks"`
}

// NewOrderView converts an order to its wire form
func NewOrderView(o *models.Order) *OrderView {
	side := "sell"
	if o.IsBuy {
		side = "buy"
	}
	return &OrderView{
		ID:             o.ID,
		Trader:         o.Trader,
		BaseToken:      o.BaseToken,
		QuoteToken:     o.QuoteToken,
		Side:           side,
		Type:           o.Type.String(),
		Price:          o.Price.Dec(),
		Quantity:       o.Quantity.Dec(),
		FilledQuantity: o.FilledQuantity.Dec(),
		Status:         o.Status.String(),
		CreatedAt:      o.CreatedAt,
	}
}

// NewSettlementView converts a settlement to its wire form
func NewSettlementView(s *models.Settlement) *SettlementView {
	return &SettlementView{
		ID:           s.ID,
		TakerOrderID: s.TakerOrderID,
		MakerOrderID: s.MakerOrderID,
		Buyer:        s.Buyer(),
		Seller:       s.Seller(),
		Pair:         s.Pair.String(),
		Quantity:     s.Quantity.Dec(),
		Price:        s.Price.Dec(),
		Processed:    s.Processed,
		CreatedAt:    s.CreatedAt,
	}
}

// NewLevelView formats one level
func NewLevelView(price, qty *uint256.Int) LevelView {
	return LevelView{Price: price.Dec(), Quantity: qty.Dec()}
}

// OrderEvent wraps an order update
func OrderEvent(o *models.Order) Event {
	return Event{Kind: KindOrder, Pair: o.Pair().String(), Order: NewOrderView(o), Time: time.Now().UTC()}
}

// SettlementEvent wraps a settlement update
func SettlementEvent(s *models.Settlement) Event {
	return Event{Kind: KindSettlement, Pair: s.Pair.String(), Settlement: NewSettlementView(s), Time: time.Now().UTC()}
}

// OrderBookEvent wraps a depth snapshot
func OrderBookEvent(book *OrderBookView) Event {
	return Event{Kind: KindOrderBook, Pair: book.Pair, OrderBook: book, Time: time.Now().UTC()}
}

// Publisher delivers events to subscribers
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried.
type Multi []Publisher

// Publish delivers ev to each publisher and joins their errors
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
