package orderbook

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/models"
	"github.com/xtrntr/clob/internal/registry"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Random sequences of limit, IOC and market orders plus cancels must keep
// both ladders sorted, uncrossed, free of empty levels, and in agreement
// with the registry's fill state.
func TestProperty_LadderInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := registry.New()
		book := NewBook(testPair, reg, zap.NewNop())
		var placed []uint64

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(placed) > 0 && rapid.IntRange(0, 4).Draw(t, "cancel") == 0 {
				id := rapid.SampledFrom(placed).Draw(t, "victim")
				if book.IsResting(id) {
					if _, err := book.RemoveOrder(id); err != nil {
						t.Fatalf("remove %d: %v", id, err)
					}
					if err := reg.CancelOrder(id); err != nil {
						t.Fatalf("cancel %d: %v", id, err)
					}
				}
				checkInvariants(t, reg, book)
				continue
			}

			typ := rapid.SampledFrom([]models.OrderType{models.Limit, models.Limit, models.IOC, models.Market}).Draw(t, "type")
			price := rapid.Uint64Range(90, 110).Draw(t, "price")
			if typ == models.Market {
				price = 0
			}
			o, err := reg.CreateOrder(registry.NewOrder{
				Trader:     "t",
				BaseToken:  testPair.Base,
				QuoteToken: testPair.Quote,
				Price:      uint256.NewInt(price),
				Quantity:   uint256.NewInt(rapid.Uint64Range(1, 20).Draw(t, "qty")),
				IsBuy:      rapid.Bool().Draw(t, "buy"),
				Type:       typ,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			n, err := book.MatchOrders(o.ID)
			if err != nil {
				t.Fatalf("match %d: %v", o.ID, err)
			}
			for _, s := range book.GetPendingSettlements(o.ID) {
				maker, _ := reg.GetOrder(s.MakerOrderID)
				if !s.Price.Eq(maker.Price) {
					t.Fatalf("settlement %d executed at %s, maker price %s", s.ID, s.Price.Dec(), maker.Price.Dec())
				}
				n--
			}
			if n != 0 {
				t.Fatalf("settlement count mismatch for order %d", o.ID)
			}
			placed = append(placed, o.ID)
			checkInvariants(t, reg, book)
		}
	})
}

func checkInvariants(t *rapid.T, reg *registry.Registry, book *Book) {
	checkSide := func(l *Ladder, bids bool) {
		var prev *uint256.Int
		l.Walk(func(lvl *PriceLevel) bool {
			if lvl.IsEmpty() {
				t.Fatalf("empty level at %s", lvl.Price.Dec())
			}
			if prev != nil {
				if bids && !lvl.Price.Lt(prev) {
					t.Fatalf("bids out of order: %s after %s", lvl.Price.Dec(), prev.Dec())
				}
				if !bids && !lvl.Price.Gt(prev) {
					t.Fatalf("asks out of order: %s after %s", lvl.Price.Dec(), prev.Dec())
				}
			}
			prev = lvl.Price

			sum := new(uint256.Int)
			for _, id := range lvl.OrderIDs() {
				o, err := reg.GetOrder(id)
				if err != nil {
					t.Fatalf("resting order %d unknown: %v", id, err)
				}
				if o.Status.Terminal() {
					t.Fatalf("terminal order %d still resting", id)
				}
				resting, _ := lvl.OrderQuantity(id)
				if !resting.Eq(o.Remaining()) {
					t.Fatalf("order %d rests %s but registry remaining is %s", id, resting.Dec(), o.Remaining().Dec())
				}
				sum.Add(sum, resting)
			}
			if !sum.Eq(lvl.TotalQuantity()) {
				t.Fatalf("level %s aggregate %s != %s", lvl.Price.Dec(), lvl.TotalQuantity().Dec(), sum.Dec())
			}
			return true
		})
	}
	checkSide(book.Bids(), true)
	checkSide(book.Asks(), false)

	bid, hasBid := book.BestBidPrice()
	ask, hasAsk := book.BestAskPrice()
	if hasBid && hasAsk && !bid.Lt(ask) {
		t.Fatalf("book crossed: bid %s ask %s", bid.Dec(), ask.Dec())
	}
}
