package sshchan

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrMalformedPath is returned when a local path cannot be represented as valid text.
	// It is raised before any network activity.
	ErrMalformedPath = errors.New("sshchan: malformed path")

	// ErrChannelClosed is returned when sending on a channel that has already been closed locally.
	ErrChannelClosed = errors.New("sshchan: channel closed")

	// ErrChannelConsumed is returned when an exec or shell channel is used after it has been consumed.
	ErrChannelConsumed = errors.New("sshchan: channel already consumed")

	// ErrWindowExceeded is returned when a data frame does not fit into the peer's window.
	ErrWindowExceeded = errors.New("sshchan: data exceeds channel window")

	// ErrConnClosed is returned by a ClientConn that has been closed.
	ErrConnClosed = errors.New("sshchan: connection closed")
)

// OpenChannelError is returned when the peer rejects a channel open request.
type OpenChannelError struct {
	Reason  ssh.RejectionReason
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("sshchan: rejected: %v (%s)", e.Reason, e.Message)
}

// ScpError is a warning or fatal error reported by the remote scp program.
type ScpError struct {
	Fatal   bool
	Message string
}

func (e *ScpError) Error() string {
	if e.Fatal {
		return "scp: fatal: " + e.Message
	}
	return "scp: " + e.Message
}
