package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/health"
	"github.com/coldbell/dex/margin/internal/oracle"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// LiqTokenWithToken transfers a liability from an undercollateralized
// account (liqee) to a solvent one (liqor) against seized collateral
// valued at oracle price plus the collateral bank's liquidation bonus.
// The transfer size is capped so the liqee's maintenance health never
// overshoots zero.
type LiqTokenWithToken struct {
	Liqor        solana.PublicKey
	LiqorAccount solana.PublicKey
	LiqeeAccount solana.PublicKey
	Group        solana.PublicKey
	AssetBank    solana.PublicKey
	LiabBank     solana.PublicKey

	AssetTokenIndex state.TokenIndex
	LiabTokenIndex  state.TokenIndex
	MaxLiabTransfer fixed.I80F48

	// HealthAccounts is the union requirement over liqee and liqor.
	HealthAccounts []solana.PublicKey
}

func (ix *LiqTokenWithToken) Name() string { return "LiqTokenWithToken" }

func (ix *LiqTokenWithToken) Metas() []AccountMeta {
	metas := []AccountMeta{
		MetaSigner(ix.Liqor),
		MetaMut(ix.LiqorAccount),
		MetaMut(ix.LiqeeAccount),
		Meta(ix.Group),
		MetaMut(ix.AssetBank),
		MetaMut(ix.LiabBank),
	}
	for _, key := range ix.HealthAccounts {
		metas = append(metas, Meta(key))
	}
	return metas
}

func (ix *LiqTokenWithToken) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Liqor); err != nil {
		return err
	}
	group, err := tc.group(ix.Group)
	if err != nil {
		return err
	}
	liqor, err := tc.accountMut(ix.LiqorAccount)
	if err != nil {
		return err
	}
	if !liqor.Owner.Equals(ix.Liqor) {
		return ErrOwnerMismatch
	}
	if liqor.IsBankrupt() {
		return ErrIsBankrupt
	}
	liqee, err := tc.accountMut(ix.LiqeeAccount)
	if err != nil {
		return err
	}
	if liqee.IsBankrupt() {
		// A bankrupt liqee has no collateral left to seize; resolution
		// goes through LiqTokenBankruptcy.
		return ErrIsBankrupt
	}
	if ix.AssetTokenIndex == ix.LiabTokenIndex {
		return fmt.Errorf("%w: asset and liability token must differ", ErrValidation)
	}
	if ix.MaxLiabTransfer.Sign() <= 0 {
		return fmt.Errorf("%w: max liability transfer must be positive", ErrValidation)
	}

	assetBank, err := tc.bankMut(ix.AssetBank)
	if err != nil {
		return err
	}
	liabBank, err := tc.bankMut(ix.LiabBank)
	if err != nil {
		return err
	}
	if assetBank.TokenIndex != ix.AssetTokenIndex || liabBank.TokenIndex != ix.LiabTokenIndex {
		return fmt.Errorf("%w: bank token index mismatch", ErrValidation)
	}
	if err := assetBank.AccrueInterest(tc.now); err != nil {
		return err
	}
	if err := liabBank.AccrueInterest(tc.now); err != nil {
		return err
	}

	required, err := health.Required(group, liqee, liqor)
	if err != nil {
		return err
	}
	if err := health.VerifySupplied(required, ix.HealthAccounts); err != nil {
		return err
	}
	ret, err := tc.healthRetriever(required)
	if err != nil {
		return err
	}

	maintHealth, err := health.Compute(liqee, health.Maint, ret, tc.now)
	if err != nil {
		return err
	}
	if maintHealth.Sign() >= 0 {
		return fmt.Errorf("%w: maint health %s", ErrNotLiquidatable, maintHealth)
	}

	assetOracleData, err := tc.oracleData(assetBank.Oracle)
	if err != nil {
		return err
	}
	assetPrice, err := oracle.PriceOf(assetOracleData, tc.now, assetBank.OracleMaxStalenessSec)
	if err != nil {
		return err
	}
	liabOracleData, err := tc.oracleData(liabBank.Oracle)
	if err != nil {
		return err
	}
	liabPrice, err := oracle.PriceOf(liabOracleData, tc.now, liabBank.OracleMaxStalenessSec)
	if err != nil {
		return err
	}

	liqeeLiabPos, ok := liqee.TokenPosition(liabBank.TokenIndex)
	if !ok {
		return fmt.Errorf("%w: liqee has no %d liability position", ErrState, liabBank.TokenIndex)
	}
	liqeeLiabNative, err := liqeeLiabPos.Native(liabBank)
	if err != nil {
		return err
	}
	if liqeeLiabNative.Sign() >= 0 {
		return fmt.Errorf("%w: liqee owes nothing in token %d", ErrState, liabBank.TokenIndex)
	}
	liqeeAssetPos, ok := liqee.TokenPosition(assetBank.TokenIndex)
	if !ok {
		return fmt.Errorf("%w: liqee has no %d collateral position", ErrState, assetBank.TokenIndex)
	}
	liqeeAssetNative, err := liqeeAssetPos.Native(assetBank)
	if err != nil {
		return err
	}
	if liqeeAssetNative.Sign() <= 0 {
		return fmt.Errorf("%w: liqee has no %d collateral", ErrState, assetBank.TokenIndex)
	}

	// The liqor pays liabPrice*(1+bonus) worth of collateral value per
	// unit of liability taken over.
	feeFactor, err := fixed.One().Add(assetBank.LiquidationFee)
	if err != nil {
		return err
	}

	transfer, err := liabTransferAmount(maintHealth, liqeeLiabNative, liqeeAssetNative,
		assetPrice, liabPrice, feeFactor, ix.MaxLiabTransfer,
		liabBank.LiabWeightMaint, assetBank.AssetWeightMaint)
	if err != nil {
		return err
	}
	if transfer.Sign() <= 0 {
		return fmt.Errorf("%w: nothing to transfer", ErrNotLiquidatable)
	}

	collateralValue, err := transfer.Mul(liabPrice)
	if err != nil {
		return err
	}
	collateralValue, err = collateralValue.Mul(feeFactor)
	if err != nil {
		return err
	}
	collateral, err := collateralValue.Div(assetPrice)
	if err != nil {
		return err
	}

	negTransfer, err := transfer.Neg()
	if err != nil {
		return err
	}
	negCollateral, err := collateral.Neg()
	if err != nil {
		return err
	}
	liqorLiabPos, err := liqor.EnsureTokenPosition(liabBank.TokenIndex)
	if err != nil {
		return err
	}
	liqorAssetPos, err := liqor.EnsureTokenPosition(assetBank.TokenIndex)
	if err != nil {
		return err
	}
	if err := liabBank.Change(liqeeLiabPos, transfer); err != nil {
		return err
	}
	if err := liabBank.Change(liqorLiabPos, negTransfer); err != nil {
		return err
	}
	if err := assetBank.Change(liqeeAssetPos, negCollateral); err != nil {
		return err
	}
	if err := assetBank.Change(liqorAssetPos, collateral); err != nil {
		return err
	}
	if liqeeLiabPos.Indexed.IsZero() {
		liqee.DeactivateTokenPosition(liabBank.TokenIndex)
	}
	if liqeeAssetPos.Indexed.IsZero() {
		liqee.DeactivateTokenPosition(assetBank.TokenIndex)
	}

	liqorHealth, err := health.Compute(liqor, health.Init, ret, tc.now)
	if err != nil {
		return err
	}
	if liqorHealth.Sign() < 0 {
		return fmt.Errorf("%w: liqor init health %s", ErrInsolvency, liqorHealth)
	}

	postHealth, err := health.Compute(liqee, health.Maint, ret, tc.now)
	if err != nil {
		return err
	}
	if postHealth.Sign() < 0 && !hasRemainingCollateral(liqee, ret) {
		liqee.Bankrupt = 1
	}

	tc.eng.logger.Info("token liquidation",
		"liqee", ix.LiqeeAccount,
		"liqor", ix.LiqorAccount,
		"liab_token", liabBank.TokenIndex,
		"asset_token", assetBank.TokenIndex,
		"liab_transfer", transfer,
		"collateral_transfer", collateral,
		"post_health", postHealth,
		"bankrupt", liqee.IsBankrupt(),
	)
	return nil
}

// liabTransferAmount caps the transfer by the caller's limit, the full
// liability, the available collateral, and the amount that brings maint
// health exactly to zero.
func liabTransferAmount(maintHealth, liabNative, assetNative,
	assetPrice, liabPrice, feeFactor, maxLiabTransfer,
	liabWeightMaint, assetWeightMaint fixed.I80F48) (fixed.I80F48, error) {

	transfer, err := liabNative.Neg()
	if err != nil {
		return fixed.I80F48{}, err
	}
	transfer = fixed.Min(transfer, maxLiabTransfer)

	assetValue, err := assetNative.Mul(assetPrice)
	if err != nil {
		return fixed.I80F48{}, err
	}
	liabPriceWithFee, err := liabPrice.Mul(feeFactor)
	if err != nil {
		return fixed.I80F48{}, err
	}
	assetLimit, err := assetValue.Div(liabPriceWithFee)
	if err != nil {
		return fixed.I80F48{}, err
	}
	transfer = fixed.Min(transfer, assetLimit)

	// Per liability unit transferred, health gains the liability weight
	// and loses the weighted collateral paid out.
	weightedLiab, err := liabPrice.Mul(liabWeightMaint)
	if err != nil {
		return fixed.I80F48{}, err
	}
	weightedAsset, err := liabPriceWithFee.Mul(assetWeightMaint)
	if err != nil {
		return fixed.I80F48{}, err
	}
	perUnitGain, err := weightedLiab.Sub(weightedAsset)
	if err != nil {
		return fixed.I80F48{}, err
	}
	if perUnitGain.Sign() > 0 {
		deficit, err := maintHealth.Neg()
		if err != nil {
			return fixed.I80F48{}, err
		}
		toZero, err := deficit.Div(perUnitGain)
		if err != nil {
			return fixed.I80F48{}, err
		}
		transfer = fixed.Min(transfer, toZero)
	}
	return transfer, nil
}

// hasRemainingCollateral reports whether any positive value is left to
// seize through further liquidation.
func hasRemainingCollateral(acc *state.MarginAccount, ret *health.Retriever) bool {
	for _, pos := range acc.ActiveTokenPositions() {
		bank, _, err := ret.BankAndOracle(pos.TokenIndex)
		if err != nil {
			continue
		}
		native, err := pos.Native(bank)
		if err != nil {
			continue
		}
		if native.Sign() > 0 {
			return true
		}
	}
	if len(acc.ActiveOpenOrders()) > 0 {
		return true
	}
	for _, pos := range acc.ActivePerpPositions() {
		if pos.BasePositionLots != 0 || pos.BidsBaseLots != 0 || pos.AsksBaseLots != 0 {
			return true
		}
		if pos.QuotePositionNative.Sign() > 0 {
			return true
		}
	}
	return false
}

// LiqTokenBankruptcy extinguishes a bankrupt account's liability in one
// token. The shortfall is paid from the group's insurance vault first;
// whatever the vault cannot cover is socialized across the liability
// bank's depositors through a single deposit-index reduction.
type LiqTokenBankruptcy struct {
	Liqor           solana.PublicKey
	LiqeeAccount    solana.PublicKey
	Group           solana.PublicKey
	LiabBank        solana.PublicKey
	LiabVault       solana.PublicKey
	LiabOracle      solana.PublicKey
	InsuranceVault  solana.PublicKey
	InsuranceBank   solana.PublicKey
	InsuranceOracle solana.PublicKey

	LiabTokenIndex  state.TokenIndex
	MaxLiabTransfer fixed.I80F48
}

func (ix *LiqTokenBankruptcy) Name() string { return "LiqTokenBankruptcy" }

func (ix *LiqTokenBankruptcy) Metas() []AccountMeta {
	return []AccountMeta{
		MetaSigner(ix.Liqor),
		MetaMut(ix.LiqeeAccount),
		Meta(ix.Group),
		MetaMut(ix.LiabBank),
		MetaMut(ix.LiabVault),
		Meta(ix.LiabOracle),
		MetaMut(ix.InsuranceVault),
		Meta(ix.InsuranceBank),
		Meta(ix.InsuranceOracle),
	}
}

func (ix *LiqTokenBankruptcy) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Liqor); err != nil {
		return err
	}
	group, err := tc.group(ix.Group)
	if err != nil {
		return err
	}
	if !group.InsuranceVault.Equals(ix.InsuranceVault) {
		return fmt.Errorf("%w: not the group insurance vault", ErrValidation)
	}
	liqee, err := tc.accountMut(ix.LiqeeAccount)
	if err != nil {
		return err
	}
	if !liqee.IsBankrupt() {
		return ErrNotBankrupt
	}
	if ix.MaxLiabTransfer.Sign() <= 0 {
		return fmt.Errorf("%w: max liability transfer must be positive", ErrValidation)
	}

	liabBank, err := tc.bankMut(ix.LiabBank)
	if err != nil {
		return err
	}
	if liabBank.TokenIndex != ix.LiabTokenIndex {
		return fmt.Errorf("%w: bank token index mismatch", ErrValidation)
	}
	if !liabBank.Vault.Equals(ix.LiabVault) {
		return fmt.Errorf("%w: vault %s does not belong to bank", ErrValidation, ix.LiabVault)
	}
	if err := tc.requireOutsideFlashLoan(ix.LiabVault); err != nil {
		return err
	}
	if !liabBank.Oracle.Equals(ix.LiabOracle) {
		return fmt.Errorf("%w: oracle does not belong to liability bank", ErrValidation)
	}
	if err := liabBank.AccrueInterest(tc.now); err != nil {
		return err
	}
	insuranceBank, err := tc.bank(ix.InsuranceBank)
	if err != nil {
		return err
	}
	if insuranceBank.TokenIndex != group.InsuranceTokenIndex {
		return fmt.Errorf("%w: not the insurance token bank", ErrValidation)
	}
	if !insuranceBank.Oracle.Equals(ix.InsuranceOracle) {
		return fmt.Errorf("%w: oracle does not belong to insurance bank", ErrValidation)
	}

	liabPos, ok := liqee.TokenPosition(liabBank.TokenIndex)
	if !ok {
		return fmt.Errorf("%w: liqee has no %d liability position", ErrState, liabBank.TokenIndex)
	}
	liabNative, err := liabPos.Native(liabBank)
	if err != nil {
		return err
	}
	if liabNative.Sign() >= 0 {
		return fmt.Errorf("%w: liqee owes nothing in token %d", ErrState, liabBank.TokenIndex)
	}

	liabOracleData, err := tc.oracleData(liabBank.Oracle)
	if err != nil {
		return err
	}
	liabPrice, err := oracle.PriceOf(liabOracleData, tc.now, liabBank.OracleMaxStalenessSec)
	if err != nil {
		return err
	}
	insuranceOracleData, err := tc.oracleData(ix.InsuranceOracle)
	if err != nil {
		return err
	}
	insurancePrice, err := oracle.PriceOf(insuranceOracleData, tc.now, insuranceBank.OracleMaxStalenessSec)
	if err != nil {
		return err
	}

	transfer, err := liabNative.Neg()
	if err != nil {
		return err
	}
	transfer = fixed.Min(transfer, ix.MaxLiabTransfer)

	// Insurance covers liability value up to the vault balance, converted
	// at oracle prices.
	insuranceBalance, err := tc.tokenBalance(ix.InsuranceVault)
	if err != nil {
		return err
	}
	insuranceValue, err := fixed.FromUint64(insuranceBalance).Mul(insurancePrice)
	if err != nil {
		return err
	}
	insuranceCapacity, err := insuranceValue.Div(liabPrice)
	if err != nil {
		return err
	}
	// Insurance settles whole liability units; the fractional remainder
	// is socialized together with the uncovered part.
	coveredNative, err := fixed.Min(transfer, insuranceCapacity).FloorUint64()
	if err != nil {
		return err
	}
	coveredLiab := fixed.FromUint64(coveredNative)
	residualLiab, err := transfer.Sub(coveredLiab)
	if err != nil {
		return err
	}

	if err := liabBank.Change(liabPos, transfer); err != nil {
		return err
	}
	if liabPos.Indexed.IsZero() {
		liqee.DeactivateTokenPosition(liabBank.TokenIndex)
	}

	if coveredNative > 0 {
		coveredValue, err := coveredLiab.Mul(liabPrice)
		if err != nil {
			return err
		}
		debit, err := coveredValue.Div(insurancePrice)
		if err != nil {
			return err
		}
		// The debit rounds up so conversion dust lands on the insurance
		// fund, never on depositors.
		debitNative, err := debit.CeilUint64()
		if err != nil {
			return err
		}
		if debitNative > insuranceBalance {
			debitNative = insuranceBalance
		}
		if err := tc.debitToken(ix.InsuranceVault, debitNative); err != nil {
			return err
		}
		// The debit is swapped at oracle price into the liability token
		// and paid into the bank vault, making depositors whole.
		if err := tc.creditToken(ix.LiabVault, coveredNative); err != nil {
			return err
		}
	}

	if residualLiab.Sign() > 0 {
		deposits, err := liabBank.NativeTotalDeposits()
		if err != nil {
			return err
		}
		if deposits.Cmp(residualLiab) < 0 {
			return fmt.Errorf("%w: loss %s, deposits %s", ErrNoDepositsToHaircut, residualLiab, deposits)
		}
		if err := liabBank.SocializeLoss(residualLiab); err != nil {
			return err
		}
	}

	if !hasRemainingLiabilities(liqee) {
		liqee.Bankrupt = 0
	}

	tc.eng.logger.Info("token bankruptcy resolution",
		"liqee", ix.LiqeeAccount,
		"liab_token", liabBank.TokenIndex,
		"liab_transfer", transfer,
		"insurance_covered", coveredLiab,
		"socialized", residualLiab,
		"bankrupt", liqee.IsBankrupt(),
	)
	return nil
}

// hasRemainingLiabilities reports whether any debt survives resolution.
func hasRemainingLiabilities(acc *state.MarginAccount) bool {
	for _, pos := range acc.ActiveTokenPositions() {
		if pos.Indexed.Sign() < 0 {
			return true
		}
	}
	for _, pos := range acc.ActivePerpPositions() {
		if pos.QuotePositionNative.Sign() < 0 || pos.BasePositionLots < 0 {
			return true
		}
	}
	return false
}
