package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	Address      string // Trader address used for orders and ledger accounts
	PasswordHash string
	Role         string // "trader" or "admin"
	CreatedAt    time.Time
}

const (
	RoleTrader = "trader"
	RoleAdmin  = "admin"
)

// OrderType selects what happens to the unfilled remainder after matching
type OrderType uint8

const (
	Limit OrderType = iota
	Market
	IOC
	FOK
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderType accepts the names produced by OrderType.String
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(s) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	case "IOC":
		return IOC, nil
	case "FOK":
		return FOK, nil
	}
	return 0, fmt.Errorf("unknown order type %q: %w", s, ErrValidation)
}

// OrderStatus is the lifecycle state of an order
type OrderStatus uint8

const (
	StatusOpen OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderStatus is the inverse of OrderStatus.String
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "OPEN":
		return StatusOpen, nil
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, nil
	case "FILLED":
		return StatusFilled, nil
	case "CANCELED":
		return StatusCanceled, nil
	}
	return 0, fmt.Errorf("unknown order status %q: %w", s, ErrValidation)
}

// Terminal reports whether no further mutation is allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// Pair identifies a base/quote market
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Order represents a buy or sell order.
// Price is quote units per base unit, Quantity is in base units.
type Order struct {
	ID             uint64
	Trader         string
	BaseToken      string
	QuoteToken     string
	Price          *uint256.Int // Zero only for market-priced orders
	Quantity       *uint256.Int
	IsBuy          bool
	Type           OrderType
	Status         OrderStatus
	FilledQuantity *uint256.Int
	CreatedAt      time.Time // Used for time priority
}

// Pair returns the market the order trades on
func (o *Order) Pair() Pair {
	return Pair{Base: o.BaseToken, Quote: o.QuoteToken}
}

// Remaining returns quantity minus filled quantity
func (o *Order) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(o.Quantity, o.FilledQuantity)
}

// Clone returns a deep copy so callers cannot mutate registry state
func (o *Order) Clone() *Order {
	c := *o
	c.Price = o.Price.Clone()
	c.Quantity = o.Quantity.Clone()
	c.FilledQuantity = o.FilledQuantity.Clone()
	return &c
}

// Settlement represents a single matched trade between a taker and a maker
type Settlement struct {
	ID           uint64
	TakerOrderID uint64
	MakerOrderID uint64
	Taker        string
	Maker        string
	Pair         Pair
	TakerIsBuy   bool
	Quantity     *uint256.Int // Base units
	Price        *uint256.Int // Maker's price
	Processed    bool
	CreatedAt    time.Time
}

// Buyer returns the address receiving the base token
func (s *Settlement) Buyer() string {
	if s.TakerIsBuy {
		return s.Taker
	}
	return s.Maker
}

// Seller returns the address delivering the base token
func (s *Settlement) Seller() string {
	if s.TakerIsBuy {
		return s.Maker
	}
	return s.Taker
}

// Clone returns a deep copy
func (s *Settlement) Clone() *Settlement {
	c := *s
	c.Quantity = s.Quantity.Clone()
	c.Price = s.Price.Clone()
	return &c
}

// FeeConfig holds the vault fee schedule in basis points
type FeeConfig struct {
	TakerFeeBps uint64
	MakerFeeBps uint64
	Recipient   string
}
