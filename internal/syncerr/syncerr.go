// Package syncerr defines the sentinel error taxonomy shared across the
// sync engine, mirroring the kinds of failure an operator or caller needs
// to branch on (retry vs. surface vs. drop).
package syncerr

import "errors"

var (
	// ErrLocalStoreFailure indicates the on-disk store could not complete a
	// read or write. Callers should treat this as fatal to the current
	// operation but not to the process.
	ErrLocalStoreFailure = errors.New("local store failure")

	// ErrNetworkUnavailable indicates the device currently has no route to
	// the remote. Operations should pause and retry once connectivity
	// returns rather than burning a retry budget.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteTransient indicates the remote returned a retryable failure
	// (5xx, timeout, connection reset).
	ErrRemoteTransient = errors.New("remote transient failure")

	// ErrRemoteConflictAbsorbed indicates the remote rejected a write for a
	// reason compaction/resolution has already absorbed; the caller should
	// treat the operation as resolved, not failed.
	ErrRemoteConflictAbsorbed = errors.New("remote conflict already absorbed")

	// ErrRemoteWins indicates the remote's version is authoritative and the
	// local operation must be discarded in favor of a pull.
	ErrRemoteWins = errors.New("remote version wins")

	// ErrRemoteFatal indicates the remote rejected the request in a way no
	// retry can fix (validation, permanent auth failure, schema mismatch).
	ErrRemoteFatal = errors.New("remote fatal rejection")
)

// IsRetryable reports whether err represents a condition worth retrying
// with backoff rather than surfacing to the user immediately.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrRemoteTransient)
}
