package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/gagliardetto/solana-go"
)

// FlashLoanBegin advances funds out of bank vaults without booking debt.
// It opens a bracket that a FlashLoanEnd in the same transaction must
// close; a transaction that leaves the bracket open fails as a whole, so
// the advance can never escape the commit boundary unpaid.
type FlashLoanBegin struct {
	Owner   solana.PublicKey
	Account solana.PublicKey

	Banks          []solana.PublicKey
	Vaults         []solana.PublicKey
	TargetAccounts []solana.PublicKey
	Amounts        []uint64
}

func (ix *FlashLoanBegin) Name() string { return "FlashLoanBegin" }

func (ix *FlashLoanBegin) Metas() []AccountMeta {
	metas := []AccountMeta{
		MetaSigner(ix.Owner),
		Meta(ix.Account),
	}
	for _, key := range ix.Banks {
		metas = append(metas, Meta(key))
	}
	for _, key := range ix.Vaults {
		metas = append(metas, MetaMut(key))
	}
	for _, key := range ix.TargetAccounts {
		metas = append(metas, MetaMut(key))
	}
	return metas
}

func (ix *FlashLoanBegin) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Owner); err != nil {
		return err
	}
	acc, err := tc.account(ix.Account)
	if err != nil {
		return err
	}
	if !acc.Owner.Equals(ix.Owner) {
		return ErrOwnerMismatch
	}
	if acc.IsBankrupt() {
		return ErrIsBankrupt
	}
	if tc.flash != nil {
		return fmt.Errorf("%w: flash loan already open", ErrValidation)
	}
	if len(ix.Banks) == 0 ||
		len(ix.Banks) != len(ix.Vaults) ||
		len(ix.Banks) != len(ix.TargetAccounts) ||
		len(ix.Banks) != len(ix.Amounts) {
		return fmt.Errorf("%w: banks, vaults, targets and amounts must align", ErrValidation)
	}

	flash := &flashState{account: ix.Account}
	for i, bankKey := range ix.Banks {
		bank, err := tc.bank(bankKey)
		if err != nil {
			return err
		}
		if !bank.Vault.Equals(ix.Vaults[i]) {
			return fmt.Errorf("%w: vault %s does not belong to bank %s", ErrValidation, ix.Vaults[i], bankKey)
		}
		preBalance, err := tc.tokenBalance(ix.Vaults[i])
		if err != nil {
			return err
		}
		if err := tc.debitToken(ix.Vaults[i], ix.Amounts[i]); err != nil {
			return err
		}
		if err := tc.creditToken(ix.TargetAccounts[i], ix.Amounts[i]); err != nil {
			return err
		}
		flash.entries = append(flash.entries, flashEntry{
			bankKey:    bankKey,
			vaultKey:   ix.Vaults[i],
			loanAmount: ix.Amounts[i],
			preBalance: preBalance,
		})
	}
	tc.flash = flash
	return nil
}

// FlashLoanEnd closes the bracket. Per bank it measures the vault's
// repayment against principal plus origination fee and books any
// shortfall as a borrow (or any overpayment as a deposit) on the margin
// account, then requires non-negative init health.
type FlashLoanEnd struct {
	Owner   solana.PublicKey
	Group   solana.PublicKey
	Account solana.PublicKey

	Banks  []solana.PublicKey
	Vaults []solana.PublicKey

	HealthAccounts []solana.PublicKey
}

func (ix *FlashLoanEnd) Name() string { return "FlashLoanEnd" }

func (ix *FlashLoanEnd) Metas() []AccountMeta {
	metas := []AccountMeta{
		MetaSigner(ix.Owner),
		Meta(ix.Group),
		MetaMut(ix.Account),
	}
	for _, key := range ix.Banks {
		metas = append(metas, MetaMut(key))
	}
	for _, key := range ix.Vaults {
		metas = append(metas, MetaMut(key))
	}
	for _, key := range ix.HealthAccounts {
		metas = append(metas, Meta(key))
	}
	return metas
}

func (ix *FlashLoanEnd) execute(tc *txContext) error {
	if err := tc.requireSigner(ix.Owner); err != nil {
		return err
	}
	if tc.flash == nil || tc.flash.ended {
		return errFlashLoanNotOpen
	}
	if !tc.flash.account.Equals(ix.Account) {
		return fmt.Errorf("%w: flash loan opened for a different account", ErrValidation)
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
	if len(ix.Banks) != len(tc.flash.entries) || len(ix.Vaults) != len(tc.flash.entries) {
		return fmt.Errorf("%w: bank list does not match open flash loan", ErrValidation)
	}

	for i, entry := range tc.flash.entries {
		if !ix.Banks[i].Equals(entry.bankKey) || !ix.Vaults[i].Equals(entry.vaultKey) {
			return fmt.Errorf("%w: bank order does not match open flash loan", ErrValidation)
		}
		bank, err := tc.bankMut(entry.bankKey)
		if err != nil {
			return err
		}
		if err := bank.AccrueInterest(tc.now); err != nil {
			return err
		}
		vaultNow, err := tc.tokenBalance(entry.vaultKey)
		if err != nil {
			return err
		}

		// repaid = vault balance now minus what the vault would hold had
		// nothing come back.
		repaid, err := fixed.FromUint64(vaultNow).Sub(fixed.FromUint64(entry.preBalance))
		if err != nil {
			return err
		}
		repaid, err = repaid.Add(fixed.FromUint64(entry.loanAmount))
		if err != nil {
			return err
		}

		loan := fixed.FromUint64(entry.loanAmount)
		fee, err := loan.Mul(bank.LoanOriginationFee)
		if err != nil {
			return err
		}
		owed, err := loan.Add(fee)
		if err != nil {
			return err
		}
		change, err := repaid.Sub(owed)
		if err != nil {
			return err
		}
		if change.IsZero() {
			continue
		}
		pos, err := acc.EnsureTokenPosition(bank.TokenIndex)
		if err != nil {
			return err
		}
		if err := bank.Change(pos, change); err != nil {
			return err
		}
		if pos.Indexed.IsZero() {
			acc.DeactivateTokenPosition(bank.TokenIndex)
		}
	}

	if err := tc.checkInitHealth(group, acc, ix.HealthAccounts); err != nil {
		return err
	}
	tc.flash.ended = true
	return nil
}

// requireOutsideFlashLoan rejects ledger bookings against a vault that an
// open flash loan bracket is measuring. FlashLoanEnd reads the raw vault
// delta as repayment, so a deposit or withdrawal booked through the same
// vault inside the bracket would count twice.
func (tc *txContext) requireOutsideFlashLoan(vault solana.PublicKey) error {
	if tc.flash == nil || tc.flash.ended {
		return nil
	}
	for _, entry := range tc.flash.entries {
		if entry.vaultKey.Equals(vault) {
			return fmt.Errorf("%w: vault %s is held by an open flash loan", ErrValidation, vault)
		}
	}
	return nil
}
