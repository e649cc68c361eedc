package storage

import "errors"

// Sentinel errors shared by every store implementation. Services and
// handlers branch on these with errors.Is.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write collides with an existing record,
	// e.g. a duplicate entry ID or session reference.
	ErrConflict = errors.New("storage: conflict")

	// ErrAlreadySettled is returned by SettleOrder for an order that is
	// already paid or activated. Callers treat it as a successful duplicate.
	ErrAlreadySettled = errors.New("storage: order already settled")

	// ErrInsufficientBalance is returned by DebitUser when the user's
	// non-expired balance does not cover the requested amount.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")

	// ErrInvalidArgument marks input that fails validation. Handlers map it
	// to a bad-request response; anything unclassified is treated as a
	// transient fault the caller may retry.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a write collision.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
