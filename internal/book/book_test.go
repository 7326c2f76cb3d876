package book

import (
	"testing"

	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func bid(id uint64, price int64) *Order {
	return &Order{OrderID: id, Side: state.SideBid, PriceLots: price, BaseLots: 1, Seq: id}
}

func ask(id uint64, price int64) *Order {
	return &Order{OrderID: id, Side: state.SideAsk, PriceLots: price, BaseLots: 1, Seq: id}
}

func TestPricePriority(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Insert(bid(1, 100)))
	require.NoError(t, b.Insert(bid(2, 105)))
	require.NoError(t, b.Insert(bid(3, 95)))
	require.NoError(t, b.Insert(ask(4, 110)))
	require.NoError(t, b.Insert(ask(5, 108)))

	require.Equal(t, uint64(2), b.Bids.Best().OrderID, "highest bid first")
	require.Equal(t, uint64(5), b.Asks.Best().OrderID, "lowest ask first")

	ids := []uint64{}
	for _, order := range b.Bids.Orders() {
		ids = append(ids, order.OrderID)
	}
	require.Equal(t, []uint64{2, 1, 3}, ids)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Insert(bid(10, 100)))
	require.NoError(t, b.Insert(bid(11, 100)))
	require.NoError(t, b.Insert(bid(12, 100)))

	ids := []uint64{}
	for _, order := range b.Bids.Orders() {
		ids = append(ids, order.OrderID)
	}
	require.Equal(t, []uint64{10, 11, 12}, ids, "FIFO within a price level")
}

func TestInsertRejectsNonPositive(t *testing.T) {
	b := NewBook()
	require.Error(t, b.Insert(bid(1, 0)))
	require.Error(t, b.Insert(&Order{OrderID: 2, Side: state.SideBid, PriceLots: 100, BaseLots: 0}))
}

func TestCancelOrder(t *testing.T) {
	b := NewBook()
	owner := solana.NewWallet().PublicKey()
	order := bid(7, 100)
	order.Owner = owner
	require.NoError(t, b.Insert(order))

	removed, err := b.CancelOrder(7, state.SideBid)
	require.NoError(t, err)
	require.Equal(t, owner, removed.Owner)
	require.Equal(t, 0, b.Bids.Len())
}

func TestCancelTwiceFails(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Insert(bid(7, 100)))

	_, err := b.CancelOrder(7, state.SideBid)
	require.NoError(t, err)

	_, err = b.CancelOrder(7, state.SideBid)
	require.ErrorIs(t, err, ErrInvalidOrderID)
}

func TestCancelWrongSideFails(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Insert(bid(7, 100)))
	_, err := b.CancelOrder(7, state.SideAsk)
	require.ErrorIs(t, err, ErrInvalidOrderID)
}

func TestBookSideFull(t *testing.T) {
	side := NewBookSide(state.SideBid)
	for i := 0; i < MaxOrdersPerSide; i++ {
		require.NoError(t, side.Insert(bid(uint64(i+1), int64(i%50+1))))
	}
	err := side.Insert(bid(uint64(MaxOrdersPerSide+1), 1))
	require.ErrorIs(t, err, ErrBookFull)
}

func TestCloneIsolation(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Insert(bid(1, 100)))

	clone := b.Clone()
	_, err := clone.CancelOrder(1, state.SideBid)
	require.NoError(t, err)
	require.NoError(t, clone.Insert(ask(2, 120)))

	require.Equal(t, 1, b.Bids.Len(), "original bids untouched")
	require.Equal(t, 0, b.Asks.Len(), "original asks untouched")
}
