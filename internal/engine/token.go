package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// CreateMarginAccount opens a margin account at its derived address.
// Owner authorizes the account, Payer funds its rent.
type CreateMarginAccount struct {
	Group       solana.PublicKey
	Account     solana.PublicKey
	Owner       solana.PublicKey
	Payer       solana.PublicKey
	AccountNum  uint32
	AccountName string
}

func (ix *CreateMarginAccount) Name() string { return "CreateMarginAccount" }

func (ix *CreateMarginAccount) Metas() []AccountMeta {
	return []AccountMeta{
		Meta(ix.Group),
		MetaMut(ix.Account),
		MetaSigner(ix.Owner),
		MetaMutSigner(ix.Payer),
	}
}

func (ix *CreateMarginAccount) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Owner); err != nil {
		return err
	}
	if err := tc.requireSigner(ix.Payer); err != nil {
		return err
	}
	if _, err := tc.group(ix.Group); err != nil {
		return err
	}
	expected, _, err := state.DeriveMarginAccountPDA(tc.eng.programID, ix.Group, ix.Owner, ix.AccountNum)
	if err != nil {
		return err
	}
	if !ix.Account.Equals(expected) {
		return fmt.Errorf("%w: margin account address %s, derived %s", ErrValidation, ix.Account, expected)
	}
	acc := &state.MarginAccount{
		Owner:      ix.Owner,
		Group:      ix.Group,
		AccountNum: ix.AccountNum,
	}
	acc.SetName(ix.AccountName)
	return tc.createAccount(ix.Account, acc)
}

// StubOracleSet updates the fixed price of a stub oracle. Admin only.
type StubOracleSet struct {
	Group  solana.PublicKey
	Admin  solana.PublicKey
	Oracle solana.PublicKey
	Price  fixed.I80F48
}

func (ix *StubOracleSet) Name() string { return "StubOracleSet" }

func (ix *StubOracleSet) Metas() []AccountMeta {
	return []AccountMeta{
		Meta(ix.Group),
		MetaSigner(ix.Admin),
		MetaMut(ix.Oracle),
	}
}

func (ix *StubOracleSet) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Admin); err != nil {
		return err
	}
	group, err := tc.group(ix.Group)
	if err != nil {
		return err
	}
	if !group.Admin.Equals(ix.Admin) {
		return fmt.Errorf("%w: not the group admin", ErrOwnerMismatch)
	}
	data, err := tc.oracleData(ix.Oracle)
	if err != nil {
		return err
	}
	stub, err := state.ParseStubOracle(data)
	if err != nil {
		return err
	}
	stub.Price = ix.Price
	stub.LastUpdated = tc.now
	updated, err := stub.Serialize()
	if err != nil {
		return err
	}
	return tc.setOracleData(ix.Oracle, updated)
}

// TokenDeposit moves tokens from an external token account into the
// owner's margin account. Deposits only improve health, so no health
// accounts are needed; bankrupt accounts may deposit to cure themselves.
type TokenDeposit struct {
	Owner        solana.PublicKey
	Account      solana.PublicKey
	Bank         solana.PublicKey
	Vault        solana.PublicKey
	TokenAccount solana.PublicKey
	Amount       uint64
}

func (ix *TokenDeposit) Name() string { return "TokenDeposit" }

func (ix *TokenDeposit) Metas() []AccountMeta {
	return []AccountMeta{
		MetaSigner(ix.Owner),
		MetaMut(ix.Account),
		MetaMut(ix.Bank),
		MetaMut(ix.Vault),
		MetaMut(ix.TokenAccount),
	}
}

func (ix *TokenDeposit) execute(tc *txContext) error {
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
	bank, err := tc.bankMut(ix.Bank)
	if err != nil {
		return err
	}
	if !bank.Vault.Equals(ix.Vault) {
		return fmt.Errorf("%w: vault %s does not belong to bank", ErrValidation, ix.Vault)
	}
	if err := tc.requireOutsideFlashLoan(ix.Vault); err != nil {
		return err
	}
	if err := bank.AccrueInterest(tc.now); err != nil {
		return err
	}
	if err := tc.debitToken(ix.TokenAccount, ix.Amount); err != nil {
		return err
	}
	if err := tc.creditToken(ix.Vault, ix.Amount); err != nil {
		return err
	}
	pos, err := acc.EnsureTokenPosition(bank.TokenIndex)
	if err != nil {
		return err
	}
	return bank.Change(pos, fixed.FromUint64(ix.Amount))
}

// TokenWithdraw moves tokens out of the margin account. With AllowBorrow
// the position may go negative; either way the account must end at
// non-negative init health.
type TokenWithdraw struct {
	Owner        solana.PublicKey
	Group        solana.PublicKey
	Account      solana.PublicKey
	Bank         solana.PublicKey
	Vault        solana.PublicKey
	TokenAccount solana.PublicKey
	Amount       uint64
	AllowBorrow  bool

	// HealthAccounts is the trailing bank/oracle/market segment in the
	// mandatory order.
	HealthAccounts []solana.PublicKey
}

func (ix *TokenWithdraw) Name() string { return "TokenWithdraw" }

func (ix *TokenWithdraw) Metas() []AccountMeta {
	metas := []AccountMeta{
		MetaSigner(ix.Owner),
		Meta(ix.Group),
		MetaMut(ix.Account),
		MetaMut(ix.Bank),
		MetaMut(ix.Vault),
		MetaMut(ix.TokenAccount),
	}
	for _, key := range ix.HealthAccounts {
		metas = append(metas, Meta(key))
	}
	return metas
}

func (ix *TokenWithdraw) execute(tc *txContext) error {
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
	bank, err := tc.bankMut(ix.Bank)
	if err != nil {
		return err
	}
	if !bank.Vault.Equals(ix.Vault) {
		return fmt.Errorf("%w: vault %s does not belong to bank", ErrValidation, ix.Vault)
	}
	if err := tc.requireOutsideFlashLoan(ix.Vault); err != nil {
		return err
	}
	if err := bank.AccrueInterest(tc.now); err != nil {
		return err
	}

	pos, err := acc.EnsureTokenPosition(bank.TokenIndex)
	if err != nil {
		return err
	}
	if !ix.AllowBorrow {
		native, err := pos.Native(bank)
		if err != nil {
			return err
		}
		if native.Cmp(fixed.FromUint64(ix.Amount)) < 0 {
			return fmt.Errorf("%w: balance %s, withdraw %d without borrow", ErrInsufficientFunds, native, ix.Amount)
		}
	}
	amount, err := fixed.FromUint64(ix.Amount).Neg()
	if err != nil {
		return err
	}
	if err := bank.Change(pos, amount); err != nil {
		return err
	}
	if pos.Indexed.IsZero() {
		acc.DeactivateTokenPosition(bank.TokenIndex)
	}
	if err := tc.debitToken(ix.Vault, ix.Amount); err != nil {
		return err
	}
	if err := tc.creditToken(ix.TokenAccount, ix.Amount); err != nil {
		return err
	}

	return tc.checkInitHealth(group, acc, ix.HealthAccounts)
}

// TokenTransfer moves tokens between external token accounts. It is the
// opaque middle leg of a flash-loan transaction; the core does not
// interpret it beyond the balance movement.
type TokenTransfer struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64
}

func (ix *TokenTransfer) Name() string { return "TokenTransfer" }

func (ix *TokenTransfer) Metas() []AccountMeta {
	return []AccountMeta{
		MetaMut(ix.From),
		MetaMut(ix.To),
	}
}

func (ix *TokenTransfer) execute(tc *txContext) error {
	if err := tc.debitToken(ix.From, ix.Amount); err != nil {
		return err
	}
	return tc.creditToken(ix.To, ix.Amount)
}
