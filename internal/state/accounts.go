// Package state defines the fixed-layout records the margin core persists:
// the group registry, per-token banks, margin accounts, perpetual markets
// and the stub oracle. Layouts carry a leading 8-byte discriminator and are
// addressed by deterministic program-derived addresses.
package state

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/gagliardetto/solana-go"
)

const (
	MaxTokenPositions  = 16
	MaxOpenOrdersSlots = 8
	MaxPerpPositions   = 8
	MaxPerpOpenOrders  = 64

	MaxGroupTokens      = 64
	MaxGroupPerpMarkets = 32

	SecondsPerYear = 365 * 24 * 3600
)

var (
	ErrNoFreeSlot        = errors.New("no free position slot")
	ErrPositionNotFound  = errors.New("position not found")
	ErrDuplicatePosition = errors.New("position already active")
	ErrRegistryFull      = errors.New("group registry full")
	ErrNotRegistered     = errors.New("not registered with group")
)

type TokenIndex = uint16

type PerpMarketIndex = uint16

// Side of a resting perp order.
type Side uint8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Group is the process-wide configuration record: the registry of banks,
// oracles and perp markets, plus the insurance vault backing bankruptcy
// resolution. Created once, mutated by admin actions only.
type Group struct {
	Admin               solana.PublicKey
	GroupNum            uint32
	InsuranceVault      solana.PublicKey
	InsuranceTokenIndex TokenIndex
	Tokens              [MaxGroupTokens]TokenRegistration
	PerpMarkets         [MaxGroupPerpMarkets]PerpRegistration
}

type TokenRegistration struct {
	Active     uint8
	TokenIndex TokenIndex
	Bank       solana.PublicKey
	Oracle     solana.PublicKey
}

type PerpRegistration struct {
	Active      uint8
	MarketIndex PerpMarketIndex
	PerpMarket  solana.PublicKey
	Oracle      solana.PublicKey
}

func (g *Group) TokenRegistration(index TokenIndex) (*TokenRegistration, bool) {
	for i := range g.Tokens {
		reg := &g.Tokens[i]
		if reg.Active == 1 && reg.TokenIndex == index {
			return reg, true
		}
	}
	return nil, false
}

func (g *Group) RegisterToken(index TokenIndex, bank, oracle solana.PublicKey) error {
	if _, ok := g.TokenRegistration(index); ok {
		return fmt.Errorf("%w: token %d", ErrDuplicatePosition, index)
	}
	for i := range g.Tokens {
		reg := &g.Tokens[i]
		if reg.Active == 0 {
			*reg = TokenRegistration{Active: 1, TokenIndex: index, Bank: bank, Oracle: oracle}
			return nil
		}
	}
	return ErrRegistryFull
}

func (g *Group) PerpRegistration(index PerpMarketIndex) (*PerpRegistration, bool) {
	for i := range g.PerpMarkets {
		reg := &g.PerpMarkets[i]
		if reg.Active == 1 && reg.MarketIndex == index {
			return reg, true
		}
	}
	return nil, false
}

func (g *Group) RegisterPerpMarket(index PerpMarketIndex, market, oracle solana.PublicKey) error {
	if _, ok := g.PerpRegistration(index); ok {
		return fmt.Errorf("%w: perp market %d", ErrDuplicatePosition, index)
	}
	for i := range g.PerpMarkets {
		reg := &g.PerpMarkets[i]
		if reg.Active == 0 {
			*reg = PerpRegistration{Active: 1, MarketIndex: index, PerpMarket: market, Oracle: oracle}
			return nil
		}
	}
	return ErrRegistryFull
}

// Bank is the pooled per-token ledger. Balances are stored index-scaled so
// interest accrual and bankruptcy haircuts are single index updates that
// apply to every depositor at once.
type Bank struct {
	Group      solana.PublicKey
	TokenIndex TokenIndex
	Mint       solana.PublicKey
	Vault      solana.PublicKey
	Oracle     solana.PublicKey

	DepositIndex fixed.I80F48
	BorrowIndex  fixed.I80F48

	IndexedTotalDeposits fixed.I80F48
	IndexedTotalBorrows  fixed.I80F48

	AssetWeightInit  fixed.I80F48
	AssetWeightMaint fixed.I80F48
	LiabWeightInit   fixed.I80F48
	LiabWeightMaint  fixed.I80F48

	// LiquidationFee is the bonus a liquidator earns on top of oracle
	// value when seizing this token as collateral.
	LiquidationFee fixed.I80F48

	// LoanOriginationFee is charged on flash-loan principal.
	LoanOriginationFee fixed.I80F48

	// BorrowRate is the flat yearly rate applied to borrows.
	BorrowRate fixed.I80F48

	OracleMaxStalenessSec int64
	LastIndexUpdate       int64
}

// NativeTotalDeposits returns the pool's deposits in native units.
func (b *Bank) NativeTotalDeposits() (fixed.I80F48, error) {
	return b.IndexedTotalDeposits.Mul(b.DepositIndex)
}

// NativeTotalBorrows returns the pool's borrows in native units.
func (b *Bank) NativeTotalBorrows() (fixed.I80F48, error) {
	return b.IndexedTotalBorrows.Mul(b.BorrowIndex)
}

// AccrueInterest advances the deposit and borrow indices to now. Borrows
// compound at the flat yearly rate; deposits earn the borrow interest
// scaled by pool utilization, so no value is created or destroyed.
func (b *Bank) AccrueInterest(now int64) error {
	if b.LastIndexUpdate == 0 || now <= b.LastIndexUpdate {
		b.LastIndexUpdate = now
		return nil
	}
	elapsed := now - b.LastIndexUpdate
	b.LastIndexUpdate = now
	if b.BorrowRate.IsZero() || b.IndexedTotalBorrows.IsZero() {
		return nil
	}

	yearFrac := fixed.FromFraction(elapsed, SecondsPerYear)
	borrowGrowth, err := b.BorrowRate.Mul(yearFrac)
	if err != nil {
		return err
	}
	borrowFactor, err := fixed.One().Add(borrowGrowth)
	if err != nil {
		return err
	}
	newBorrowIndex, err := b.BorrowIndex.Mul(borrowFactor)
	if err != nil {
		return err
	}

	deposits, err := b.NativeTotalDeposits()
	if err != nil {
		return err
	}
	newDepositIndex := b.DepositIndex
	if deposits.Sign() > 0 {
		borrows, err := b.NativeTotalBorrows()
		if err != nil {
			return err
		}
		utilization, err := borrows.Div(deposits)
		if err != nil {
			return err
		}
		depositGrowth, err := borrowGrowth.Mul(utilization)
		if err != nil {
			return err
		}
		depositFactor, err := fixed.One().Add(depositGrowth)
		if err != nil {
			return err
		}
		newDepositIndex, err = b.DepositIndex.Mul(depositFactor)
		if err != nil {
			return err
		}
	}

	b.BorrowIndex = newBorrowIndex
	b.DepositIndex = newDepositIndex
	return nil
}

// Change applies a signed native balance change to a position, keeping the
// bank's indexed totals in sync. A positive amount deposits (repaying any
// borrow first), a negative amount withdraws (creating a borrow once the
// deposit side is exhausted).
func (b *Bank) Change(pos *TokenPosition, amount fixed.I80F48) error {
	if pos.TokenIndex != b.TokenIndex {
		return fmt.Errorf("%w: position token %d vs bank token %d", ErrPositionNotFound, pos.TokenIndex, b.TokenIndex)
	}
	native, err := pos.Native(b)
	if err != nil {
		return err
	}
	newNative, err := native.Add(amount)
	if err != nil {
		return err
	}
	return b.setNative(pos, native, newNative)
}

func (b *Bank) setNative(pos *TokenPosition, oldNative, newNative fixed.I80F48) error {
	if err := b.removeIndexed(pos.Indexed); err != nil {
		return err
	}
	var newIndexed fixed.I80F48
	var err error
	if newNative.Sign() >= 0 {
		newIndexed, err = newNative.Div(b.DepositIndex)
	} else {
		newIndexed, err = newNative.Div(b.BorrowIndex)
	}
	if err != nil {
		return err
	}
	if err := b.addIndexed(newIndexed); err != nil {
		return err
	}
	pos.Indexed = newIndexed
	return nil
}

func (b *Bank) addIndexed(indexed fixed.I80F48) error {
	var err error
	if indexed.Sign() >= 0 {
		b.IndexedTotalDeposits, err = b.IndexedTotalDeposits.Add(indexed)
		return err
	}
	neg, err := indexed.Neg()
	if err != nil {
		return err
	}
	b.IndexedTotalBorrows, err = b.IndexedTotalBorrows.Add(neg)
	return err
}

func (b *Bank) removeIndexed(indexed fixed.I80F48) error {
	var err error
	if indexed.Sign() >= 0 {
		b.IndexedTotalDeposits, err = b.IndexedTotalDeposits.Sub(indexed)
		return err
	}
	neg, err := indexed.Neg()
	if err != nil {
		return err
	}
	b.IndexedTotalBorrows, err = b.IndexedTotalBorrows.Sub(neg)
	return err
}

// SocializeLoss spreads an unbacked loss across all depositors by
// reducing the deposit index in one step. The loss must not exceed total
// deposits; indexed balances are untouched, so every depositor's native
// balance shrinks pro rata. Both the factor division and the index
// multiplication round downward, against depositors, so the haircut
// never collects less than the loss.
func (b *Bank) SocializeLoss(lossNative fixed.I80F48) error {
	if lossNative.Sign() <= 0 {
		return nil
	}
	deposits, err := b.NativeTotalDeposits()
	if err != nil {
		return err
	}
	if deposits.Cmp(lossNative) < 0 {
		return fmt.Errorf("loss %s exceeds total deposits %s", lossNative, deposits)
	}
	remaining, err := deposits.Sub(lossNative)
	if err != nil {
		return err
	}
	factor, err := remaining.Div(deposits)
	if err != nil {
		return err
	}
	b.DepositIndex, err = b.DepositIndex.Mul(factor)
	return err
}

// StubOracle is the fixed-price oracle record used on test groups.
type StubOracle struct {
	Group       solana.PublicKey
	Price       fixed.I80F48
	LastUpdated int64
}

// TokenPosition is one sparse balance slot. Indexed is the balance divided
// by the bank's deposit index when non-negative, or by the borrow index
// when negative.
type TokenPosition struct {
	Active     uint8
	TokenIndex TokenIndex
	Indexed    fixed.I80F48
}

// Native returns the position's balance in native token units.
func (p *TokenPosition) Native(bank *Bank) (fixed.I80F48, error) {
	if p.Indexed.Sign() >= 0 {
		return p.Indexed.Mul(bank.DepositIndex)
	}
	return p.Indexed.Mul(bank.BorrowIndex)
}

// OpenOrdersSlot tracks a resting-order account on an external matching
// venue. Reserved amounts are locked in the venue's vaults and valued
// pessimistically by the health check.
type OpenOrdersSlot struct {
	Active          uint8
	MarketIndex     uint16
	BaseTokenIndex  TokenIndex
	QuoteTokenIndex TokenIndex
	OpenOrders      solana.PublicKey
	ReservedBase    uint64
	ReservedQuote   uint64
}

// PerpPosition is one sparse perpetual-market position slot.
type PerpPosition struct {
	Active           uint8
	MarketIndex      PerpMarketIndex
	BasePositionLots int64
	// QuotePositionNative carries unsettled quote PnL.
	QuotePositionNative fixed.I80F48
	// BidsBaseLots and AsksBaseLots are base lots reserved by resting
	// orders on each side of the book.
	BidsBaseLots int64
	AsksBaseLots int64
}

// PerpOpenOrder is the account-local tracking slot for one resting perp
// order. It is the authoritative record of the order's side.
type PerpOpenOrder struct {
	Active      uint8
	MarketIndex PerpMarketIndex
	Side        Side
	OrderID     uint64
}

// MarginAccount is one participant's cross-margin position: a fixed header
// plus fixed-capacity sparse slot arenas. Slots are freed explicitly when a
// position closes, never implicitly.
type MarginAccount struct {
	Owner      solana.PublicKey
	Group      solana.PublicKey
	AccountNum uint32
	Name       [32]byte
	Bankrupt   uint8

	Tokens     [MaxTokenPositions]TokenPosition
	OpenOrders [MaxOpenOrdersSlots]OpenOrdersSlot
	Perps      [MaxPerpPositions]PerpPosition
	PerpOrders [MaxPerpOpenOrders]PerpOpenOrder
}

// SetName truncates and stores a UTF-8 account label.
func (a *MarginAccount) SetName(name string) {
	a.Name = [32]byte{}
	copy(a.Name[:], name)
}

func (a *MarginAccount) NameString() string {
	idx := bytes.IndexByte(a.Name[:], 0)
	if idx < 0 {
		idx = len(a.Name)
	}
	return string(a.Name[:idx])
}

func (a *MarginAccount) IsBankrupt() bool { return a.Bankrupt == 1 }

// TokenPosition returns the active slot for a token index.
func (a *MarginAccount) TokenPosition(index TokenIndex) (*TokenPosition, bool) {
	for i := range a.Tokens {
		pos := &a.Tokens[i]
		if pos.Active == 1 && pos.TokenIndex == index {
			return pos, true
		}
	}
	return nil, false
}

// EnsureTokenPosition returns the active slot for a token index, allocating
// a free slot if none exists. Token indices stay unique within an account.
func (a *MarginAccount) EnsureTokenPosition(index TokenIndex) (*TokenPosition, error) {
	if pos, ok := a.TokenPosition(index); ok {
		return pos, nil
	}
	for i := range a.Tokens {
		pos := &a.Tokens[i]
		if pos.Active == 0 {
			*pos = TokenPosition{Active: 1, TokenIndex: index}
			return pos, nil
		}
	}
	return nil, fmt.Errorf("%w: token positions", ErrNoFreeSlot)
}

// DeactivateTokenPosition frees the slot for a token index.
func (a *MarginAccount) DeactivateTokenPosition(index TokenIndex) {
	for i := range a.Tokens {
		pos := &a.Tokens[i]
		if pos.Active == 1 && pos.TokenIndex == index {
			*pos = TokenPosition{}
			return
		}
	}
}

// ActiveTokenPositions returns active token slots in slot order.
func (a *MarginAccount) ActiveTokenPositions() []*TokenPosition {
	out := make([]*TokenPosition, 0, len(a.Tokens))
	for i := range a.Tokens {
		if a.Tokens[i].Active == 1 {
			out = append(out, &a.Tokens[i])
		}
	}
	return out
}

// ActiveOpenOrders returns active external-venue slots in slot order.
func (a *MarginAccount) ActiveOpenOrders() []*OpenOrdersSlot {
	out := make([]*OpenOrdersSlot, 0, len(a.OpenOrders))
	for i := range a.OpenOrders {
		if a.OpenOrders[i].Active == 1 {
			out = append(out, &a.OpenOrders[i])
		}
	}
	return out
}

// PerpPosition returns the active slot for a perp market.
func (a *MarginAccount) PerpPosition(index PerpMarketIndex) (*PerpPosition, bool) {
	for i := range a.Perps {
		pos := &a.Perps[i]
		if pos.Active == 1 && pos.MarketIndex == index {
			return pos, true
		}
	}
	return nil, false
}

// EnsurePerpPosition returns the active slot for a perp market, allocating
// a free slot if none exists.
func (a *MarginAccount) EnsurePerpPosition(index PerpMarketIndex) (*PerpPosition, error) {
	if pos, ok := a.PerpPosition(index); ok {
		return pos, nil
	}
	for i := range a.Perps {
		pos := &a.Perps[i]
		if pos.Active == 0 {
			*pos = PerpPosition{Active: 1, MarketIndex: index}
			return pos, nil
		}
	}
	return nil, fmt.Errorf("%w: perp positions", ErrNoFreeSlot)
}

// ActivePerpPositions returns active perp slots in slot order.
func (a *MarginAccount) ActivePerpPositions() []*PerpPosition {
	out := make([]*PerpPosition, 0, len(a.Perps))
	for i := range a.Perps {
		if a.Perps[i].Active == 1 {
			out = append(out, &a.Perps[i])
		}
	}
	return out
}

// AddPerpOrder records a freshly rested order in a free tracking slot and
// reserves its base lots on the position.
func (a *MarginAccount) AddPerpOrder(market PerpMarketIndex, side Side, orderID uint64, baseLots int64) (int, error) {
	pos, ok := a.PerpPosition(market)
	if !ok {
		return 0, fmt.Errorf("%w: perp market %d", ErrPositionNotFound, market)
	}
	for i := range a.PerpOrders {
		slot := &a.PerpOrders[i]
		if slot.Active == 0 {
			*slot = PerpOpenOrder{Active: 1, MarketIndex: market, Side: side, OrderID: orderID}
			if side == SideBid {
				pos.BidsBaseLots += baseLots
			} else {
				pos.AsksBaseLots += baseLots
			}
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: perp open orders", ErrNoFreeSlot)
}

// FindPerpOrderSide resolves the authoritative side for an order id via the
// account's own tracking slots.
func (a *MarginAccount) FindPerpOrderSide(market PerpMarketIndex, orderID uint64) (Side, int, bool) {
	for i := range a.PerpOrders {
		slot := &a.PerpOrders[i]
		if slot.Active == 1 && slot.MarketIndex == market && slot.OrderID == orderID {
			return slot.Side, i, true
		}
	}
	return 0, 0, false
}

// RemovePerpOrder frees a tracking slot and releases the reserved base
// lots on the owning position.
func (a *MarginAccount) RemovePerpOrder(slot int, baseLots int64) error {
	if slot < 0 || slot >= len(a.PerpOrders) || a.PerpOrders[slot].Active == 0 {
		return fmt.Errorf("%w: perp order slot %d", ErrPositionNotFound, slot)
	}
	tracked := a.PerpOrders[slot]
	pos, ok := a.PerpPosition(tracked.MarketIndex)
	if !ok {
		return fmt.Errorf("%w: perp market %d", ErrPositionNotFound, tracked.MarketIndex)
	}
	if tracked.Side == SideBid {
		pos.BidsBaseLots -= baseLots
	} else {
		pos.AsksBaseLots -= baseLots
	}
	a.PerpOrders[slot] = PerpOpenOrder{}
	return nil
}

// Clone returns a deep copy. Fixed-size arrays copy by value; the only
// reference fields are the I80F48 big.Int internals, which are immutable.
func (a *MarginAccount) Clone() *MarginAccount {
	dup := *a
	return &dup
}

// PerpMarket is the metadata record for one perpetual market, referencing
// its book's bid and ask storage.
type PerpMarket struct {
	Group       solana.PublicKey
	MarketIndex PerpMarketIndex
	Name        [16]byte
	Oracle      solana.PublicKey
	Bids        solana.PublicKey
	Asks        solana.PublicKey

	BaseLotSize  int64
	QuoteLotSize int64

	InitBaseAssetWeight  fixed.I80F48
	MaintBaseAssetWeight fixed.I80F48
	InitBaseLiabWeight   fixed.I80F48
	MaintBaseLiabWeight  fixed.I80F48

	OracleMaxStalenessSec int64

	// Seq issues strictly increasing order ids for this market.
	Seq uint64
}

// NextOrderID returns the next order id; ids are strictly increasing per
// market for the market's lifetime.
func (m *PerpMarket) NextOrderID() uint64 {
	m.Seq++
	return m.Seq
}

func (m *PerpMarket) NameString() string {
	idx := bytes.IndexByte(m.Name[:], 0)
	if idx < 0 {
		idx = len(m.Name)
	}
	return string(m.Name[:idx])
}
