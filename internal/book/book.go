// Package book implements the resting-order structure of one perpetual
// market: bids descending by price, asks ascending, FIFO within a price
// level via an insertion sequence number.
package book

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidOrderID = errors.New("invalid order id")
	ErrInvalidOwner   = errors.New("order owner mismatch")
	ErrBookFull       = errors.New("book side full")
)

// MaxOrdersPerSide bounds each side's storage, mirroring the fixed-size
// on-chain book accounts.
const MaxOrdersPerSide = 1024

// Order is one resting limit order.
type Order struct {
	OrderID   uint64
	Owner     solana.PublicKey
	OwnerSlot int
	Side      state.Side
	PriceLots int64
	BaseLots  int64
	Seq       uint64
	Timestamp int64
}

// BookSide holds one side's orders in priority order: best first.
type BookSide struct {
	Side   state.Side
	orders []*Order
}

func NewBookSide(side state.Side) *BookSide {
	return &BookSide{Side: side}
}

// Len returns the number of resting orders.
func (s *BookSide) Len() int { return len(s.orders) }

// Best returns the highest-priority order, or nil on an empty side.
func (s *BookSide) Best() *Order {
	if len(s.orders) == 0 {
		return nil
	}
	return s.orders[0]
}

// Orders returns the side's orders in priority order.
func (s *BookSide) Orders() []*Order {
	out := make([]*Order, len(s.orders))
	copy(out, s.orders)
	return out
}

// higherPriority reports whether a ranks before b on this side.
func (s *BookSide) higherPriority(a, b *Order) bool {
	if a.PriceLots != b.PriceLots {
		if s.Side == state.SideBid {
			return a.PriceLots > b.PriceLots
		}
		return a.PriceLots < b.PriceLots
	}
	return a.Seq < b.Seq
}

// Insert places an order at its price/time priority position.
func (s *BookSide) Insert(order *Order) error {
	if len(s.orders) >= MaxOrdersPerSide {
		return fmt.Errorf("%w: %s", ErrBookFull, s.Side)
	}
	if order.Side != s.Side {
		return fmt.Errorf("order side %s does not match book side %s", order.Side, s.Side)
	}
	at := sort.Search(len(s.orders), func(i int) bool {
		return s.higherPriority(order, s.orders[i])
	})
	s.orders = append(s.orders, nil)
	copy(s.orders[at+1:], s.orders[at:])
	s.orders[at] = order
	return nil
}

// Remove deletes an order by id, returning it. The id must live on this
// side; the caller resolves the authoritative side first.
func (s *BookSide) Remove(orderID uint64) (*Order, error) {
	for i, order := range s.orders {
		if order.OrderID == orderID {
			s.orders = append(s.orders[:i], s.orders[i+1:]...)
			return order, nil
		}
	}
	return nil, fmt.Errorf("%w: %d not resting on %s side", ErrInvalidOrderID, orderID, s.Side)
}

// Book pairs the two sides of one market.
type Book struct {
	Bids *BookSide
	Asks *BookSide
}

func NewBook() *Book {
	return &Book{
		Bids: NewBookSide(state.SideBid),
		Asks: NewBookSide(state.SideAsk),
	}
}

func (b *Book) side(side state.Side) *BookSide {
	if side == state.SideBid {
		return b.Bids
	}
	return b.Asks
}

// Insert rests a fully formed order on its side. The caller assigns the
// order id and owner slot before insertion.
func (b *Book) Insert(order *Order) error {
	if order.PriceLots <= 0 || order.BaseLots <= 0 {
		return fmt.Errorf("order price and quantity must be positive, got %d @ %d", order.BaseLots, order.PriceLots)
	}
	return b.side(order.Side).Insert(order)
}

// CancelOrder removes an order by id from the given side. The side comes
// from the owner's own tracking slot, never from searching both sides; an
// id the tracking list never issued on that side fails with
// ErrInvalidOrderID. The caller re-verifies the returned order's owner.
func (b *Book) CancelOrder(orderID uint64, side state.Side) (*Order, error) {
	return b.side(side).Remove(orderID)
}

// Clone returns a deep copy of the book for staged mutation.
func (b *Book) Clone() *Book {
	dup := NewBook()
	dup.Bids.orders = cloneOrders(b.Bids.orders)
	dup.Asks.orders = cloneOrders(b.Asks.orders)
	return dup
}

func cloneOrders(orders []*Order) []*Order {
	out := make([]*Order, len(orders))
	for i, order := range orders {
		copied := *order
		out[i] = &copied
	}
	return out
}
