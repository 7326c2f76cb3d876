package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// Admin surface. Group, bank and market creation happen at genesis before
// instruction traffic, so these are direct engine methods rather than
// instructions. Runtime mutation of existing records still goes through
// the instruction path.

// CreateGroup creates a group record at its derived address along with an
// empty insurance vault, and returns the group key.
func (e *Engine) CreateGroup(admin solana.PublicKey, groupNum uint32, insuranceTokenIndex state.TokenIndex) (solana.PublicKey, error) {
	groupKey, _, err := state.DeriveGroupPDA(e.programID, admin, groupNum)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive group: %w", err)
	}
	if _, ok := e.groups[groupKey]; ok {
		return solana.PublicKey{}, fmt.Errorf("%w: group %s", ErrAccountExists, groupKey)
	}
	insuranceVault, _, err := state.DeriveInsuranceVaultPDA(e.programID, groupKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive insurance vault: %w", err)
	}
	e.groups[groupKey] = &state.Group{
		Admin:               admin,
		GroupNum:            groupNum,
		InsuranceVault:      insuranceVault,
		InsuranceTokenIndex: insuranceTokenIndex,
	}
	e.tokenAccounts[insuranceVault] = 0
	return groupKey, nil
}

// TokenParams configures one bank at registration.
type TokenParams struct {
	TokenIndex state.TokenIndex
	Mint       solana.PublicKey
	Oracle     solana.PublicKey

	AssetWeightInit  fixed.I80F48
	AssetWeightMaint fixed.I80F48
	LiabWeightInit   fixed.I80F48
	LiabWeightMaint  fixed.I80F48

	LiquidationFee     fixed.I80F48
	LoanOriginationFee fixed.I80F48
	BorrowRate         fixed.I80F48

	OracleMaxStalenessSec int64
}

// RegisterToken creates the bank and vault for a token and registers them
// with the group. Both indices start at one.
func (e *Engine) RegisterToken(groupKey solana.PublicKey, params TokenParams) (solana.PublicKey, error) {
	group, ok := e.groups[groupKey]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: group %s", ErrUnknownAccount, groupKey)
	}
	bankKey, _, err := state.DeriveBankPDA(e.programID, groupKey, params.TokenIndex)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive bank: %w", err)
	}
	if _, ok := e.banks[bankKey]; ok {
		return solana.PublicKey{}, fmt.Errorf("%w: bank %s", ErrAccountExists, bankKey)
	}
	vaultKey, _, err := state.DeriveVaultPDA(e.programID, groupKey, params.TokenIndex)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive vault: %w", err)
	}
	if err := group.RegisterToken(params.TokenIndex, bankKey, params.Oracle); err != nil {
		return solana.PublicKey{}, Classify(err)
	}
	e.banks[bankKey] = &state.Bank{
		Group:                 groupKey,
		TokenIndex:            params.TokenIndex,
		Mint:                  params.Mint,
		Vault:                 vaultKey,
		Oracle:                params.Oracle,
		DepositIndex:          fixed.One(),
		BorrowIndex:           fixed.One(),
		AssetWeightInit:       params.AssetWeightInit,
		AssetWeightMaint:      params.AssetWeightMaint,
		LiabWeightInit:        params.LiabWeightInit,
		LiabWeightMaint:       params.LiabWeightMaint,
		LiquidationFee:        params.LiquidationFee,
		LoanOriginationFee:    params.LoanOriginationFee,
		BorrowRate:            params.BorrowRate,
		OracleMaxStalenessSec: params.OracleMaxStalenessSec,
	}
	e.tokenAccounts[vaultKey] = 0
	return bankKey, nil
}

// PerpParams configures one perpetual market at registration.
type PerpParams struct {
	MarketIndex state.PerpMarketIndex
	Name        string
	Oracle      solana.PublicKey

	BaseLotSize  int64
	QuoteLotSize int64

	InitBaseAssetWeight  fixed.I80F48
	MaintBaseAssetWeight fixed.I80F48
	InitBaseLiabWeight   fixed.I80F48
	MaintBaseLiabWeight  fixed.I80F48

	OracleMaxStalenessSec int64
}

// RegisterPerpMarket creates a perpetual market with an empty book and
// registers it with the group.
func (e *Engine) RegisterPerpMarket(groupKey solana.PublicKey, params PerpParams) (solana.PublicKey, error) {
	group, ok := e.groups[groupKey]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: group %s", ErrUnknownAccount, groupKey)
	}
	marketKey, _, err := state.DerivePerpMarketPDA(e.programID, groupKey, params.MarketIndex)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive perp market: %w", err)
	}
	if _, ok := e.perpMarkets[marketKey]; ok {
		return solana.PublicKey{}, fmt.Errorf("%w: perp market %s", ErrAccountExists, marketKey)
	}
	bidsKey, _, err := state.DerivePerpBookSidePDA(e.programID, marketKey, state.SideBid)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive bids: %w", err)
	}
	asksKey, _, err := state.DerivePerpBookSidePDA(e.programID, marketKey, state.SideAsk)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive asks: %w", err)
	}
	if err := group.RegisterPerpMarket(params.MarketIndex, marketKey, params.Oracle); err != nil {
		return solana.PublicKey{}, Classify(err)
	}
	market := &state.PerpMarket{
		Group:                 groupKey,
		MarketIndex:           params.MarketIndex,
		Oracle:                params.Oracle,
		Bids:                  bidsKey,
		Asks:                  asksKey,
		BaseLotSize:           params.BaseLotSize,
		QuoteLotSize:          params.QuoteLotSize,
		InitBaseAssetWeight:   params.InitBaseAssetWeight,
		MaintBaseAssetWeight:  params.MaintBaseAssetWeight,
		InitBaseLiabWeight:    params.InitBaseLiabWeight,
		MaintBaseLiabWeight:   params.MaintBaseLiabWeight,
		OracleMaxStalenessSec: params.OracleMaxStalenessSec,
	}
	copy(market.Name[:], params.Name)
	e.perpMarkets[marketKey] = market
	e.books[marketKey] = book.NewBook()
	return marketKey, nil
}

// CreateStubOracle writes a fixed-price oracle record at its derived
// address and returns the key.
func (e *Engine) CreateStubOracle(groupKey, mint solana.PublicKey, price fixed.I80F48, now int64) (solana.PublicKey, error) {
	if _, ok := e.groups[groupKey]; !ok {
		return solana.PublicKey{}, fmt.Errorf("%w: group %s", ErrUnknownAccount, groupKey)
	}
	oracleKey, _, err := state.DeriveStubOraclePDA(e.programID, groupKey, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive stub oracle: %w", err)
	}
	stub := &state.StubOracle{Group: groupKey, Price: price, LastUpdated: now}
	data, err := stub.Serialize()
	if err != nil {
		return solana.PublicKey{}, err
	}
	e.oracles[oracleKey] = data
	return oracleKey, nil
}

// SetOracleData installs a raw oracle payload, stub or pyth, at a key.
func (e *Engine) SetOracleData(key solana.PublicKey, data []byte) {
	staged := make([]byte, len(data))
	copy(staged, data)
	e.oracles[key] = staged
}

// CreateTokenAccount registers an external token account with an opening
// balance, for deposits and withdrawals crossing the ledger boundary.
func (e *Engine) CreateTokenAccount(key solana.PublicKey, balance uint64) {
	e.tokenAccounts[key] = balance
}

// FundInsuranceVault tops up a group's insurance vault.
func (e *Engine) FundInsuranceVault(groupKey solana.PublicKey, amount uint64) error {
	group, ok := e.groups[groupKey]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrUnknownAccount, groupKey)
	}
	e.tokenAccounts[group.InsuranceVault] += amount
	return nil
}
