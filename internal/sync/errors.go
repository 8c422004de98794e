package sync

import "errors"

var (
	// ErrTransient marks failures worth retrying: network errors, unreachable peers.
	ErrTransient = errors.New("transient replication failure")

	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrRecordCountMismatch = errors.New("record count mismatch")
	ErrValidationFailed    = errors.New("transfer validation failed")

	ErrQueueFull    = errors.New("offline queue is full")
	ErrItemNotFound = errors.New("queue item not found")
	ErrInvalidEvent = errors.New("invalid sync event")

	ErrCancelled       = errors.New("initial load cancelled")
	ErrSessionNotFound = errors.New("initial load session not found")
	ErrSessionTerminal = errors.New("initial load session already finished")
	ErrUnknownTable    = errors.New("table is not replicated")
	ErrPeerUnavailable = errors.New("peer is not available")
	ErrSyncBlocked     = errors.New("sync blocked by schema incompatibility")
)

// IsPermanent reports whether err is an integrity failure or a peer rejection
// that a retry cannot fix.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, ErrTransient) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	for _, target := range []error{ErrChecksumMismatch, ErrRecordCountMismatch, ErrValidationFailed, ErrInvalidEvent} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
