package session

import "errors"

var (
	// ErrAlreadyOpen is returned by Open when a non-terminal session for the
	// peer already exists. The caller must Close it first.
	ErrAlreadyOpen = errors.New("session already open for peer")

	// ErrNotConnected is returned by Send when no connected session exists.
	// Callers treat it as the cue to fall back to the relay path.
	ErrNotConnected = errors.New("no connected session for peer")

	// ErrClosed is returned after the manager has been shut down.
	ErrClosed = errors.New("session manager closed")
)
