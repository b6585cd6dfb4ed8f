package engine

import "errors"

// Engine errors. All are local, synchronous and non-retryable without
// changed inputs; none are transient.
var (
	ErrInvalidAmount          = errors.New("engine: amount must be positive")
	ErrInvalidSide            = errors.New("engine: side must be YES or NO")
	ErrInvalidMetadata        = errors.New("engine: invalid opportunity metadata")
	ErrMarketResolved         = errors.New("engine: opportunity is resolved")
	ErrAlreadyResolved        = errors.New("engine: opportunity already resolved")
	ErrNotResolved            = errors.New("engine: opportunity not resolved")
	ErrUnauthorized           = errors.New("engine: caller not authorized")
	ErrChainLiquidated        = errors.New("engine: chain is liquidated")
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")
	ErrNotLiquidatable        = errors.New("engine: chain is not liquidatable")
	ErrNothingToClaim         = errors.New("engine: nothing to claim")
	ErrLosingSide             = errors.New("engine: tokens are on the losing side")
	ErrInsufficientBalance    = errors.New("engine: insufficient balance")
	ErrNotFound               = errors.New("engine: not found")
)

// IsDomainError reports whether err is one of the engine's rejection
// errors, as opposed to a persistence or internal failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInvalidSide, ErrInvalidMetadata, ErrMarketResolved,
		ErrAlreadyResolved, ErrNotResolved, ErrUnauthorized, ErrChainLiquidated,
		ErrInsufficientCollateral, ErrNotLiquidatable, ErrNothingToClaim,
		ErrLosingSide, ErrInsufficientBalance, ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
