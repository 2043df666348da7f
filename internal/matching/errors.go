package matching

import "errors"

var (
	// ErrUnknownUser is returned for operations on a handle that never
	// connected or has already disconnected.
	ErrUnknownUser = errors.New("unknown user")

	// ErrDuplicateUser is returned when a handle id is connected twice.
	ErrDuplicateUser = errors.New("user already connected")

	// ErrNotVerified is returned when an unverified handle starts a search.
	ErrNotVerified = errors.New("user not verified")

	// ErrUnknownMood is returned for a mood outside the closed set.
	ErrUnknownMood = errors.New("unknown mood")

	// ErrAlreadyInSession rejects a search from a handle that holds a live session.
	ErrAlreadyInSession = errors.New("user already in a session")

	// ErrAlreadyQueued is returned by Pool.Enqueue for a handle that is
	// already waiting.
	ErrAlreadyQueued = errors.New("user already queued")
)
