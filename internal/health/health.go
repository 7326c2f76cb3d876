// Package health computes the two solvency scalars that gate every
// risk-sensitive action: init health for new risk and maintenance health
// for liquidation eligibility. It also owns the account-discovery rule that
// tells callers exactly which banks, oracles, perp markets and open-orders
// accounts a computation needs, and in what order.
package health

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/oracle"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

var ErrMissingHealthAccount = errors.New("missing health account")

// Type selects which weight set a computation uses.
type Type int

const (
	// Init gates risk-increasing actions.
	Init Type = iota
	// Maint gates liquidation eligibility.
	Maint
)

func (t Type) String() string {
	if t == Init {
		return "init"
	}
	return "maint"
}

// RequiredAccounts is the exact auxiliary account set one health
// computation needs, derived from the active slots of the account(s)
// involved. Keys() flattens it into the mandatory supply order: token
// banks, then oracles (bank oracles followed by perp oracles), then perp
// markets, then open-orders accounts.
type RequiredAccounts struct {
	TokenIndices []state.TokenIndex
	Banks        []solana.PublicKey
	TokenOracles []solana.PublicKey
	PerpIndices  []state.PerpMarketIndex
	PerpMarkets  []solana.PublicKey
	PerpOracles  []solana.PublicKey
	OpenOrders   []solana.PublicKey
}

// Keys returns the flattened key list in the mandatory order.
func (r RequiredAccounts) Keys() []solana.PublicKey {
	out := make([]solana.PublicKey, 0,
		len(r.Banks)+len(r.TokenOracles)+len(r.PerpOracles)+len(r.PerpMarkets)+len(r.OpenOrders))
	out = append(out, r.Banks...)
	out = append(out, r.TokenOracles...)
	out = append(out, r.PerpOracles...)
	out = append(out, r.PerpMarkets...)
	out = append(out, r.OpenOrders...)
	return out
}

// Required derives the account set for one or more margin accounts; in
// liquidation flows it is the union over liqee and liqor. Token and perp
// indices are deduplicated and sorted ascending so the order is
// deterministic regardless of slot layout.
func Required(group *state.Group, accounts ...*state.MarginAccount) (RequiredAccounts, error) {
	tokenSet := make(map[state.TokenIndex]struct{})
	perpSet := make(map[state.PerpMarketIndex]struct{})
	var openOrders []solana.PublicKey

	for _, acc := range accounts {
		for _, pos := range acc.ActiveTokenPositions() {
			tokenSet[pos.TokenIndex] = struct{}{}
		}
		for _, slot := range acc.ActiveOpenOrders() {
			// Worst-case settlement valuation needs both legs' banks.
			tokenSet[slot.BaseTokenIndex] = struct{}{}
			tokenSet[slot.QuoteTokenIndex] = struct{}{}
			openOrders = append(openOrders, slot.OpenOrders)
		}
		for _, pos := range acc.ActivePerpPositions() {
			perpSet[pos.MarketIndex] = struct{}{}
		}
	}

	out := RequiredAccounts{OpenOrders: openOrders}
	for index := range tokenSet {
		out.TokenIndices = append(out.TokenIndices, index)
	}
	sort.Slice(out.TokenIndices, func(i, j int) bool { return out.TokenIndices[i] < out.TokenIndices[j] })
	for _, index := range out.TokenIndices {
		reg, ok := group.TokenRegistration(index)
		if !ok {
			return RequiredAccounts{}, fmt.Errorf("%w: token %d", state.ErrNotRegistered, index)
		}
		out.Banks = append(out.Banks, reg.Bank)
		out.TokenOracles = append(out.TokenOracles, reg.Oracle)
	}

	for index := range perpSet {
		out.PerpIndices = append(out.PerpIndices, index)
	}
	sort.Slice(out.PerpIndices, func(i, j int) bool { return out.PerpIndices[i] < out.PerpIndices[j] })
	for _, index := range out.PerpIndices {
		reg, ok := group.PerpRegistration(index)
		if !ok {
			return RequiredAccounts{}, fmt.Errorf("%w: perp market %d", state.ErrNotRegistered, index)
		}
		out.PerpMarkets = append(out.PerpMarkets, reg.PerpMarket)
		out.PerpOracles = append(out.PerpOracles, reg.Oracle)
	}

	return out, nil
}

// VerifySupplied checks a caller-supplied trailing account list against the
// derived requirement: same keys, same order, nothing missing.
func VerifySupplied(required RequiredAccounts, supplied []solana.PublicKey) error {
	want := required.Keys()
	if len(supplied) != len(want) {
		return fmt.Errorf("%w: got %d accounts, need %d", ErrMissingHealthAccount, len(supplied), len(want))
	}
	for i, key := range want {
		if !supplied[i].Equals(key) {
			return fmt.Errorf("%w: position %d: got %s, need %s", ErrMissingHealthAccount, i, supplied[i], key)
		}
	}
	return nil
}

// Retriever resolves the banks, raw oracle payloads and perp markets one
// health computation reads. It only ever holds the accounts the discovery
// rule named; asking for anything else fails with ErrMissingHealthAccount.
type Retriever struct {
	banks       map[state.TokenIndex]*state.Bank
	oracles     map[solana.PublicKey][]byte
	perpMarkets map[state.PerpMarketIndex]*state.PerpMarket
}

func NewRetriever() *Retriever {
	return &Retriever{
		banks:       make(map[state.TokenIndex]*state.Bank),
		oracles:     make(map[solana.PublicKey][]byte),
		perpMarkets: make(map[state.PerpMarketIndex]*state.PerpMarket),
	}
}

func (r *Retriever) AddBank(bank *state.Bank)                    { r.banks[bank.TokenIndex] = bank }
func (r *Retriever) AddOracle(key solana.PublicKey, data []byte) { r.oracles[key] = data }
func (r *Retriever) AddPerpMarket(market *state.PerpMarket) {
	r.perpMarkets[market.MarketIndex] = market
}

// BankAndOracle returns the bank and its oracle payload for a token index.
func (r *Retriever) BankAndOracle(index state.TokenIndex) (*state.Bank, []byte, error) {
	bank, ok := r.banks[index]
	if !ok {
		return nil, nil, fmt.Errorf("%w: bank for token %d", ErrMissingHealthAccount, index)
	}
	data, ok := r.oracles[bank.Oracle]
	if !ok {
		return nil, nil, fmt.Errorf("%w: oracle for token %d", ErrMissingHealthAccount, index)
	}
	return bank, data, nil
}

// PerpMarketAndOracle returns the market and its oracle payload.
func (r *Retriever) PerpMarketAndOracle(index state.PerpMarketIndex) (*state.PerpMarket, []byte, error) {
	market, ok := r.perpMarkets[index]
	if !ok {
		return nil, nil, fmt.Errorf("%w: perp market %d", ErrMissingHealthAccount, index)
	}
	data, ok := r.oracles[market.Oracle]
	if !ok {
		return nil, nil, fmt.Errorf("%w: oracle for perp market %d", ErrMissingHealthAccount, index)
	}
	return market, data, nil
}

// Compute aggregates the account's active slots into one signed health
// scalar. Oracle payloads are re-decoded and staleness-checked on every
// call; a stale or unknown feed fails the whole computation.
func Compute(acc *state.MarginAccount, typ Type, ret *Retriever, now int64) (fixed.I80F48, error) {
	health := fixed.Zero()

	for _, pos := range acc.ActiveTokenPositions() {
		contrib, err := tokenContribution(pos, typ, ret, now)
		if err != nil {
			return fixed.I80F48{}, fmt.Errorf("token %d: %w", pos.TokenIndex, err)
		}
		health, err = health.Add(contrib)
		if err != nil {
			return fixed.I80F48{}, err
		}
	}

	for _, slot := range acc.ActiveOpenOrders() {
		contrib, err := openOrdersContribution(slot, typ, ret, now)
		if err != nil {
			return fixed.I80F48{}, fmt.Errorf("open orders market %d: %w", slot.MarketIndex, err)
		}
		health, err = health.Add(contrib)
		if err != nil {
			return fixed.I80F48{}, err
		}
	}

	for _, pos := range acc.ActivePerpPositions() {
		contrib, err := perpContribution(pos, typ, ret, now)
		if err != nil {
			return fixed.I80F48{}, fmt.Errorf("perp market %d: %w", pos.MarketIndex, err)
		}
		health, err = health.Add(contrib)
		if err != nil {
			return fixed.I80F48{}, err
		}
	}

	return health, nil
}

func tokenContribution(pos *state.TokenPosition, typ Type, ret *Retriever, now int64) (fixed.I80F48, error) {
	bank, oracleData, err := ret.BankAndOracle(pos.TokenIndex)
	if err != nil {
		return fixed.I80F48{}, err
	}
	price, err := oracle.PriceOf(oracleData, now, bank.OracleMaxStalenessSec)
	if err != nil {
		return fixed.I80F48{}, err
	}
	native, err := pos.Native(bank)
	if err != nil {
		return fixed.I80F48{}, err
	}
	weight := tokenWeight(bank, typ, native.Sign() >= 0)
	value, err := native.Mul(price)
	if err != nil {
		return fixed.I80F48{}, err
	}
	return value.Mul(weight)
}

func tokenWeight(bank *state.Bank, typ Type, isAsset bool) fixed.I80F48 {
	switch {
	case isAsset && typ == Init:
		return bank.AssetWeightInit
	case isAsset:
		return bank.AssetWeightMaint
	case typ == Init:
		return bank.LiabWeightInit
	default:
		return bank.LiabWeightMaint
	}
}

// openOrdersContribution values funds locked on an external venue at their
// worst-case settlement: the full reserved value weighted by the less
// favorable of the base and quote asset weights.
func openOrdersContribution(slot *state.OpenOrdersSlot, typ Type, ret *Retriever, now int64) (fixed.I80F48, error) {
	baseBank, baseOracle, err := ret.BankAndOracle(slot.BaseTokenIndex)
	if err != nil {
		return fixed.I80F48{}, err
	}
	quoteBank, quoteOracle, err := ret.BankAndOracle(slot.QuoteTokenIndex)
	if err != nil {
		return fixed.I80F48{}, err
	}
	basePrice, err := oracle.PriceOf(baseOracle, now, baseBank.OracleMaxStalenessSec)
	if err != nil {
		return fixed.I80F48{}, err
	}
	quotePrice, err := oracle.PriceOf(quoteOracle, now, quoteBank.OracleMaxStalenessSec)
	if err != nil {
		return fixed.I80F48{}, err
	}

	baseValue, err := fixed.FromUint64(slot.ReservedBase).Mul(basePrice)
	if err != nil {
		return fixed.I80F48{}, err
	}
	quoteValue, err := fixed.FromUint64(slot.ReservedQuote).Mul(quotePrice)
	if err != nil {
		return fixed.I80F48{}, err
	}
	total, err := baseValue.Add(quoteValue)
	if err != nil {
		return fixed.I80F48{}, err
	}

	weight := fixed.Min(
		tokenWeight(baseBank, typ, true),
		tokenWeight(quoteBank, typ, true),
	)
	return total.Mul(weight)
}

// perpContribution marks the base position at oracle price, adds unsettled
// quote PnL, and takes the worse of the two resting-order scenarios (all
// bids fill vs. all asks fill).
func perpContribution(pos *state.PerpPosition, typ Type, ret *Retriever, now int64) (fixed.I80F48, error) {
	market, oracleData, err := ret.PerpMarketAndOracle(pos.MarketIndex)
	if err != nil {
		return fixed.I80F48{}, err
	}
	price, err := oracle.PriceOf(oracleData, now, market.OracleMaxStalenessSec)
	if err != nil {
		return fixed.I80F48{}, err
	}

	bidsCase, err := perpBaseValue(pos.BasePositionLots+pos.BidsBaseLots, market, typ, price)
	if err != nil {
		return fixed.I80F48{}, err
	}
	asksCase, err := perpBaseValue(pos.BasePositionLots-pos.AsksBaseLots, market, typ, price)
	if err != nil {
		return fixed.I80F48{}, err
	}

	worst := fixed.Min(bidsCase, asksCase)
	return worst.Add(pos.QuotePositionNative)
}

func perpBaseValue(lots int64, market *state.PerpMarket, typ Type, price fixed.I80F48) (fixed.I80F48, error) {
	if lots == 0 {
		return fixed.Zero(), nil
	}
	native := fixed.FromInt64(lots * market.BaseLotSize)
	notional, err := native.Mul(price)
	if err != nil {
		return fixed.I80F48{}, err
	}
	var weight fixed.I80F48
	switch {
	case lots > 0 && typ == Init:
		weight = market.InitBaseAssetWeight
	case lots > 0:
		weight = market.MaintBaseAssetWeight
	case typ == Init:
		weight = market.InitBaseLiabWeight
	default:
		weight = market.MaintBaseLiabWeight
	}
	return notional.Mul(weight)
}
