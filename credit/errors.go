package credit

import "errors"

// Sentinel errors named after the taxonomy kinds: validation, authorization,
// state, economic, oracle, internal. Every instruction aborts with no state
// change on any of these.
var (
	ErrAlreadyInitialized     = errors.New("credit: already initialized")
	ErrNotInitialized         = errors.New("credit: not initialized")
	ErrInvalidParameters      = errors.New("credit: invalid parameters")
	ErrUnauthorized           = errors.New("credit: unauthorized")
	ErrNotWhitelisted         = errors.New("credit: mint not whitelisted")
	ErrDisabled               = errors.New("credit: mint disabled")
	ErrAlreadyExists           = errors.New("credit: position already exists")
	ErrCapExceeded            = errors.New("credit: deposit cap exceeded")
	ErrInsufficientFunds      = errors.New("credit: insufficient funds")
	ErrHealthViolation        = errors.New("credit: health factor violation")
	ErrInsufficientCollateral = errors.New("credit: insufficient collateral")
	ErrNotLiquidatable        = errors.New("credit: position not liquidatable")
	ErrCloseFactorExceeded    = errors.New("credit: close factor exceeded")
	ErrInsufficientCollateralOfMint = errors.New("credit: insufficient collateral of requested mint")
	ErrNothingToRepay         = errors.New("credit: nothing to repay")
	ErrPaused                 = errors.New("credit: module paused")
	// ErrDuplicateAuthID is a benign no-op signal: the submission queue's
	// idempotency key already matches a write recorded in this position's
	// recent-auth ring, so the instruction aborts with no state change
	// rather than applying the same webhook delivery twice.
	ErrDuplicateAuthID = errors.New("credit: auth id already applied")
)
