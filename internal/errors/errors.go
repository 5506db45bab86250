// Package errors holds the sentinel errors shared by the
// samizdat node and hub. Callers classify failures with
// errors.Is against these values.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means nobody, locally or over the network,
	// had the requested artifact within the deadline.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSignature marks data that failed
	// cryptographic verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNoValidEdition is returned when candidates arrived
	// but none of them passed validation.
	ErrNoValidEdition = errors.New("no valid edition")
	// ErrHashMismatch is a security event: received bytes do
	// not hash to the identifier they were requested under.
	ErrHashMismatch = errors.New("hash mismatch")
	ErrTimeout      = errors.New("timeout")
	// ErrStorageFailure wraps local persistence I/O errors.
	ErrStorageFailure = errors.New("storage failure")

	ErrClockSkew      = errors.New("timestamp beyond clock skew tolerance")
	ErrInvalidPath    = errors.New("invalid path")
	ErrDuplicatePath  = errors.New("duplicate path")
	ErrAlreadyExists  = errors.New("already exists")
	ErrObjectTooLarge = errors.New("object exceeds maximum size")
	ErrThrottled      = errors.New("throttled")
	ErrReplay         = errors.New("replayed query")
	ErrUnknownKind    = errors.New("unknown kind")
)

// Storage wraps err so that it matches ErrStorageFailure
// while keeping the underlying cause reachable.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

// IsRetryable reports whether a higher-level caller may
// reasonably retry the operation that produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTimeout)
}
