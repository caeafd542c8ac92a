// Package merrors defines the typed error kinds the synchronization core
// surfaces across package boundaries, per the error handling design.
package merrors

import "fmt"

// Kind identifies one of the error conditions the protocol engine and its
// collaborators can surface.
type Kind string

const (
	// ConfigError marks a malformed or inconsistent cluster configuration.
	// Fatal at startup.
	ConfigError Kind = "config_error"
	// AlreadyPreparing is returned when broadcast_prepare is called while
	// the server is already in Prepare.
	AlreadyPreparing Kind = "already_preparing"
	// StaleEpoch is returned when receive_signatures targets an epoch other
	// than current_epoch.
	StaleEpoch Kind = "stale_epoch"
	// RootMismatch is returned when receive_signatures carries a root that
	// does not match current_root.
	RootMismatch Kind = "root_mismatch"
	// SignatureInvalid marks an ed25519 verification failure for a peer
	// transaction; the transaction is rejected, not pooled.
	SignatureInvalid Kind = "signature_invalid"
	// MissingField marks a required field absent from a request.
	MissingField Kind = "missing_field"
	// PeerUnknown marks a server_id not present in the parallel cluster.
	PeerUnknown Kind = "peer_unknown"
	// CommitFailure marks an inner-provider transaction/trigger_epoch
	// failure; the epoch is not advanced.
	CommitFailure Kind = "commit_failure"
	// CommitNotificationLost marks a waiting client call that exhausted its
	// spurious-wakeup budget without observing its target epoch.
	CommitNotificationLost Kind = "commit_notification_lost"
)

// Error pairs a Kind with the underlying cause, if any.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind) error { return &Error{Kind: kind} }

// Wrap builds an *Error of the given kind wrapping cause. Returns nil if
// cause is nil.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Context wraps cause with an explanatory message and tags the result
// with kind in one step, collapsing the generic-context-then-Kind-wrap
// sequence call sites used to need. Returns nil if cause is nil.
func Context(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: fmt.Errorf("%s: %w", message, cause)}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. The second return is false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
