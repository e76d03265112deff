package apperrors

import "errors"

// Standardized venue errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrNonceRejected         = errors.New("nonce rejected")
	ErrExchangeMaintenance   = errors.New("venue maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// IsTransient reports whether the error is worth retrying with backoff.
// Rate limits, venue overload and plain network faults are transient;
// anything money-affecting is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}

// IsTerminal reports whether the request failed for good and must not be
// retried. The caller's position state is left unchanged.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrInvalidOrderParameter) ||
		errors.Is(err, ErrDuplicateOrder)
}

// IsAuth reports whether the error indicates broken credentials. The owning
// account should be excluded from further cycles until corrected.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrNonceRejected)
}
