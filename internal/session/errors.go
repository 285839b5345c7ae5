package session

import "errors"

// Sentinel errors for session operations, checked with errors.Is().
//
// Example:
//
//	sess, err := store.GetSession(ctx, app, user, id)
//	if errors.Is(err, session.ErrSessionNotFound) {
//	    // benign: fall back to a create path
//	}
var (
	// ErrInvalidArgument indicates missing or malformed input (empty
	// app_name/user_id, event referencing the wrong session). Rejected
	// before any I/O and never worth retrying.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionNotFound indicates the requested session does not exist.
	// A normal outcome for get-or-create flows, not a failure.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidPart indicates a content part that does not have exactly
	// one payload shape populated.
	ErrInvalidPart = errors.New("invalid content part")
)
