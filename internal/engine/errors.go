package engine

import (
	"errors"
	"fmt"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/health"
	"github.com/coldbell/dex/margin/internal/oracle"
	"github.com/coldbell/dex/margin/internal/state"
)

// Error taxonomy. Every instruction failure wraps exactly one of these
// categories; concrete conditions below wrap the category so callers can
// match either level with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrState         = errors.New("state error")
	ErrInsolvency    = errors.New("insolvency error")
	ErrResource      = errors.New("resource error")
	ErrArithmetic    = fixed.ErrArithmetic
)

var (
	ErrMissingSigner       = fmt.Errorf("%w: required signer missing", ErrAuthorization)
	ErrOwnerMismatch       = fmt.Errorf("%w: owner mismatch", ErrAuthorization)
	ErrUndeclaredAccount   = fmt.Errorf("%w: account not declared by instruction", ErrAuthorization)
	ErrUnknownAccount      = fmt.Errorf("%w: unknown account", ErrValidation)
	ErrAccountExists       = fmt.Errorf("%w: account already exists", ErrValidation)
	ErrIsBankrupt          = fmt.Errorf("%w: account is bankrupt", ErrState)
	ErrNotBankrupt         = fmt.Errorf("%w: account is not bankrupt", ErrState)
	ErrNotLiquidatable     = fmt.Errorf("%w: account health above maintenance", ErrState)
	ErrInsufficientFunds   = fmt.Errorf("%w: insufficient funds", ErrState)
	ErrNoDepositsToHaircut = fmt.Errorf("%w: no deposits to socialize against", ErrState)
	errUnclosedFlashLoan   = fmt.Errorf("%w: flash loan bracket not closed", ErrValidation)
	errFlashLoanNotOpen    = fmt.Errorf("%w: no flash loan in progress", ErrValidation)
)

// Classify wraps errors surfacing from the lower layers with their
// taxonomy category. Errors already carrying a category pass through.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrState),
		errors.Is(err, ErrInsolvency),
		errors.Is(err, ErrResource),
		errors.Is(err, ErrArithmetic):
		return err
	case errors.Is(err, oracle.ErrUnknownOracleType),
		errors.Is(err, oracle.ErrOracleDecode),
		errors.Is(err, oracle.ErrStaleOracle):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, book.ErrInvalidOrderID):
		return fmt.Errorf("%w: %w", ErrState, err)
	case errors.Is(err, book.ErrInvalidOwner):
		return fmt.Errorf("%w: %w", ErrAuthorization, err)
	case errors.Is(err, book.ErrBookFull),
		errors.Is(err, state.ErrNoFreeSlot),
		errors.Is(err, state.ErrRegistryFull):
		return fmt.Errorf("%w: %w", ErrResource, err)
	case errors.Is(err, state.ErrNotRegistered),
		errors.Is(err, state.ErrPositionNotFound),
		errors.Is(err, state.ErrDuplicatePosition):
		return fmt.Errorf("%w: %w", ErrState, err)
	case errors.Is(err, health.ErrMissingHealthAccount):
		return fmt.Errorf("%w: %w", ErrResource, err)
	default:
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
}
