package suppression

import "errors"

// Sentinel errors for the suppression service layer.
var (
	ErrNotFound  = errors.New("suppression entry not found")
	ErrDuplicate = errors.New("suppression entry already exists")

	// ErrNoMatchingPolicy means a bounce status code is not covered by any
	// configured policy. It is an operator misconfiguration and must not
	// be swallowed.
	ErrNoMatchingPolicy = errors.New("no bounce policy matches status code")
	ErrInvalidPolicy    = errors.New("invalid bounce policy")
)
