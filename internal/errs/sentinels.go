// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformed indicates client input that could not be decoded or validated.
	// Nothing is persisted when it is returned.
	ErrMalformed = errors.New("malformed input")

	// ErrBadSignature indicates an event whose signature does not verify against its system key.
	ErrBadSignature = errors.New("bad signature")

	// ErrInvalidCursor indicates a pagination token of the wrong encoding or length.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidHandle indicates a handle with forbidden characters or length.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrUnauthorized indicates a failed challenge or ownership proof.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the peer is temporarily blocked after repeated malformed submissions.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., handle taken by another system).
	ErrAlreadyExists = errors.New("already exists")
)

// IsClientError reports whether err belongs to the malformed-input class.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrInvalidHandle)
}
