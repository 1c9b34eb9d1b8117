package service

import "errors"

// Authentication rejections. These are definitive and never retried.
var (
	ErrMalformedToken        = errors.New("malformed token")
	ErrInvalidSignature      = errors.New("invalid token signature")
	ErrExpired               = errors.New("credential expired")
	ErrRevoked               = errors.New("credential revoked")
	ErrInvalidToken          = errors.New("invalid token")
	ErrNotFound              = errors.New("credential not found")
	ErrReuseDetected         = errors.New("refresh token reuse detected")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountInactive       = errors.New("account inactive")
	ErrTwoFactorRequired     = errors.New("two-factor token required")
	ErrInvalidTwoFactorToken = errors.New("invalid two-factor token")
)

// State conflicts on the second factor.
var (
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	ErrNotEnabled     = errors.New("two-factor not enabled")
)

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable marks a connectivity failure of a backing store. It
	// is never an authentication verdict.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

var authRejections = []error{
	ErrMalformedToken,
	ErrInvalidSignature,
	ErrExpired,
	ErrRevoked,
	ErrInvalidToken,
	ErrNotFound,
	ErrReuseDetected,
	ErrInvalidCredentials,
	ErrAccountInactive,
	ErrInvalidTwoFactorToken,
}

// IsAuthRejection reports whether err is a definitive authentication failure
// that should be surfaced as a generic rejection.
func IsAuthRejection(err error) bool {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return false
	}
	for _, target := range authRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
