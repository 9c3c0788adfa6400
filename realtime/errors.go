package realtime

import (
	"errors"
	"fmt"
)

// errors.go provides the error taxonomy for the realtime package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// fatal for the session. the credential was refused by the platform.
var ErrAuthRejected = errors.New("auth rejected")

// transient. the channel could not be established or was lost.
// retried internally with bounded backoff before the session fails.
var ErrChannelUnavailable = errors.New("channel unavailable")

// used for session lifecycle
var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionFailed = errors.New("session failed")
)

// used for subscriptions
var (
	ErrNotSubscribed        = errors.New("resource not subscribed")
	ErrSubscriptionReleased = errors.New("subscription released")
)

// used for inbound events. both are dropped with a diagnostic, never raised
// out of the dispatch pipeline.
var (
	ErrStaleEvent   = errors.New("stale event")
	ErrUnknownEvent = errors.New("unknown event")
)

// used for reducer transitions
var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownColumn  = errors.New("unknown column")
	ErrDuplicateState = errors.New("duplicate state")
)

// MutationRejectedError is recoverable. The optimistic transition was rolled
// back to its snapshot and the caller can retry or surface the reason.
type MutationRejectedError struct {
	MutationId Id
	Domain     Domain
	Reason     string
}

func (self *MutationRejectedError) Error() string {
	if self.Reason == "" {
		return fmt.Sprintf("mutation %s rejected", self.MutationId)
	}
	return fmt.Sprintf("mutation %s rejected: %s", self.MutationId, self.Reason)
}

// MutationExpiredError is the deadline-expiry flavor of rejection. The
// rollback behavior is identical; the reason distinguishes a server no from
// a server silence.
type MutationExpiredError struct {
	MutationId Id
	Domain     Domain
	Deadline   string
}

func (self *MutationExpiredError) Error() string {
	return fmt.Sprintf("mutation %s expired at %s", self.MutationId, self.Deadline)
}
