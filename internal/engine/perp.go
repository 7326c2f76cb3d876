package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// PerpPlaceOrder rests a limit order on a perpetual market's book. The
// resting lots count against health immediately, so the instruction
// carries the health account segment and ends with an init check.
type PerpPlaceOrder struct {
	Owner      solana.PublicKey
	Group      solana.PublicKey
	Account    solana.PublicKey
	PerpMarket solana.PublicKey
	Bids       solana.PublicKey
	Asks       solana.PublicKey

	Side      state.Side
	PriceLots int64
	BaseLots  int64

	HealthAccounts []solana.PublicKey

	// PlacedOrderID is set on successful execution.
	PlacedOrderID uint64
}

func (ix *PerpPlaceOrder) Name() string { return "PerpPlaceOrder" }

func (ix *PerpPlaceOrder) Metas() []AccountMeta {
	metas := []AccountMeta{
		MetaSigner(ix.Owner),
		Meta(ix.Group),
		MetaMut(ix.Account),
		MetaMut(ix.PerpMarket),
		MetaMut(ix.Bids),
		MetaMut(ix.Asks),
	}
	for _, key := range ix.HealthAccounts {
		metas = append(metas, Meta(key))
	}
	return metas
}

func (ix *PerpPlaceOrder) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Owner); err != nil {
		return err
	}
	group, err := tc.group(ix.Group)
	if err != nil {
		return err
	}
	acc, err := tc.accountMut(ix.Account)
	if err != nil {
		return err
	}
	if !acc.Owner.Equals(ix.Owner) {
		return ErrOwnerMismatch
	}
	if acc.IsBankrupt() {
		return ErrIsBankrupt
	}
	market, err := tc.perpMarketMut(ix.PerpMarket)
	if err != nil {
		return err
	}
	if !market.Bids.Equals(ix.Bids) || !market.Asks.Equals(ix.Asks) {
		return fmt.Errorf("%w: book sides do not belong to market", ErrValidation)
	}
	if ix.PriceLots <= 0 || ix.BaseLots <= 0 {
		return fmt.Errorf("%w: price and quantity must be positive", ErrValidation)
	}
	bk, err := tc.bookMut(market, ix.PerpMarket)
	if err != nil {
		return err
	}

	if _, err := acc.EnsurePerpPosition(market.MarketIndex); err != nil {
		return err
	}
	orderID := market.NextOrderID()
	slot, err := acc.AddPerpOrder(market.MarketIndex, ix.Side, orderID, ix.BaseLots)
	if err != nil {
		return err
	}
	if err := bk.Insert(&book.Order{
		OrderID:   orderID,
		Owner:     ix.Account,
		OwnerSlot: slot,
		Side:      ix.Side,
		PriceLots: ix.PriceLots,
		BaseLots:  ix.BaseLots,
		Seq:       orderID,
		Timestamp: tc.now,
	}); err != nil {
		return err
	}
	if err := tc.checkInitHealth(group, acc, ix.HealthAccounts); err != nil {
		return err
	}
	// Only a placement that survived the health check reports its id.
	ix.PlacedOrderID = orderID
	return nil
}

// PerpCancelOrder removes one resting order. The side comes from the
// account's own tracking slot; the book then re-verifies that the removed
// order belongs to the account. Canceling only reduces risk, so no health
// segment is needed.
type PerpCancelOrder struct {
	Owner      solana.PublicKey
	Account    solana.PublicKey
	PerpMarket solana.PublicKey
	Bids       solana.PublicKey
	Asks       solana.PublicKey
	OrderID    uint64
}

func (ix *PerpCancelOrder) Name() string { return "PerpCancelOrder" }

func (ix *PerpCancelOrder) Metas() []AccountMeta {
	return []AccountMeta{
		MetaSigner(ix.Owner),
		MetaMut(ix.Account),
		Meta(ix.PerpMarket),
		MetaMut(ix.Bids),
		MetaMut(ix.Asks),
	}
}

func (ix *PerpCancelOrder) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Owner); err != nil {
		return err
	}
	acc, err := tc.accountMut(ix.Account)
	if err != nil {
		return err
	}
	if !acc.Owner.Equals(ix.Owner) {
		return ErrOwnerMismatch
	}
	if acc.IsBankrupt() {
		return ErrIsBankrupt
	}
	market, err := tc.perpMarket(ix.PerpMarket)
	if err != nil {
		return err
	}
	if !market.Bids.Equals(ix.Bids) || !market.Asks.Equals(ix.Asks) {
		return fmt.Errorf("%w: book sides do not belong to market", ErrValidation)
	}
	bk, err := tc.bookMut(market, ix.PerpMarket)
	if err != nil {
		return err
	}

	side, slot, ok := acc.FindPerpOrderSide(market.MarketIndex, ix.OrderID)
	if !ok {
		return fmt.Errorf("%w: order %d not tracked by account", book.ErrInvalidOrderID, ix.OrderID)
	}
	order, err := bk.CancelOrder(ix.OrderID, side)
	if err != nil {
		return err
	}
	if !order.Owner.Equals(ix.Account) {
		return fmt.Errorf("%w: order %d", book.ErrInvalidOwner, ix.OrderID)
	}
	return acc.RemovePerpOrder(slot, order.BaseLots)
}
