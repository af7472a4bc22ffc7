package collab

import "errors"

var (
	// ErrNotConnected means there is no transport to the authority.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyInSession is returned by Start while a session is active.
	ErrAlreadyInSession = errors.New("already in a collaboration session")

	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("no active collaboration session")

	// ErrNotHost is returned when a host-only operation is attempted.
	ErrNotHost = errors.New("only the session host can do that")

	// ErrSaveConflict means the authority refused the final save because a
	// newer version exists. The unsaved text is kept in the local store.
	ErrSaveConflict = errors.New("final save rejected by a newer version")

	// ErrClosed is returned once the Manager's event loop has exited.
	ErrClosed = errors.New("collaboration manager closed")
)

// SessionCreateError carries the authority's rejection of a session request.
// Error returns the authority's message unchanged.
type SessionCreateError struct {
	Message string
}

func (e *SessionCreateError) Error() string { return e.Message }
