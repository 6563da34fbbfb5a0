package delta

import (
	"errors"
	"fmt"
)

// ErrSessionStopped is returned to callers blocked on submissions or proposal
// waits when the owning session is stopped.
var ErrSessionStopped = errors.New("session stopped")

// SequenceGapError is fatal to the current connection. The sequencer client
// never skips or guesses a missing message; it forces a reconnect and asks the
// authority to replay from the last delivered sequence number.
type SequenceGapError struct {
	Expected uint64
	Received uint64
}

func (self *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, received %d", self.Expected, self.Received)
}

// QueueOverflowError means the outbound queue memory ceiling was exceeded.
// The submission is not queued; the caller must apply backpressure.
type QueueOverflowError struct {
	Size      int
	ByteCount ByteCount
	Ceiling   ByteCount
}

func (self *QueueOverflowError) Error() string {
	return fmt.Sprintf("outbound queue overflow: %d ops, %d bytes (ceiling %d)", self.Size, self.ByteCount, self.Ceiling)
}

// ProposalRejectedError is reported to the proposer when a member vetoes the
// proposal. Rejected proposals never mutate the ledger and are not retried.
type ProposalRejectedError struct {
	Key                    string
	ProposalSequenceNumber uint64
	RejectedBy             Id
}

func (self *ProposalRejectedError) Error() string {
	return fmt.Sprintf("proposal %q (seq %d) rejected by %s", self.Key, self.ProposalSequenceNumber, self.RejectedBy)
}

// AuthorityUnavailableError is surfaced after reconnect attempts to the
// ordering authority are exhausted.
type AuthorityUnavailableError struct {
	Attempts int
	LastErr  error
}

func (self *AuthorityUnavailableError) Error() string {
	return fmt.Sprintf("ordering authority unavailable after %d attempts: %s", self.Attempts, self.LastErr)
}

func (self *AuthorityUnavailableError) Unwrap() error {
	return self.LastErr
}

// ConnectRejectedError means the authority refused the connect handshake,
// for example a bad session token. Not retried.
type ConnectRejectedError struct {
	Reason string
}

func (self *ConnectRejectedError) Error() string {
	return fmt.Sprintf("connect rejected: %s", self.Reason)
}

// ProtocolViolationError reports an invariant break in the inbound stream
// (duplicate sequence number, acceptance from a non-member). Violations are
// surfaced, never silently repaired, so the host can reload from a checkpoint.
type ProtocolViolationError struct {
	SequenceNumber uint64
	Reason         string
}

func (self *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation at seq %d: %s", self.SequenceNumber, self.Reason)
}
