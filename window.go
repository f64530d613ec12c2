package sshchan

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultWindowSize is the receive window advertised for each channel.
	DefaultWindowSize = 64 * DefaultMaxPacket

	// DefaultMaxPacket is the largest data payload placed in a single frame.
	DefaultMaxPacket = 1 << 15
)

// Window tracks the flow-control state of one channel in both directions:
// how many bytes we may still send to the peer, and how many the peer may still send to us.
//
// Window is safe for concurrent use;
// adjustments for one channel may be processed while another goroutine is sending on it.
type Window struct {
	mu sync.Mutex

	localID  uint32
	remoteID uint32

	send      uint32 // granted by the peer, consumed by outbound data
	maxPacket uint32 // peer's maximum packet, 0 means unlimited

	recv    uint32 // granted to the peer, consumed by inbound data
	recvMax uint32
}

// NewWindow returns the window for a channel known locally as localID and to the peer as remoteID.
// sendWindow and maxPacket are the values the peer advertised when the channel was opened.
func NewWindow(localID, remoteID, sendWindow, maxPacket uint32) *Window {
	return &Window{
		localID:   localID,
		remoteID:  remoteID,
		send:      sendWindow,
		maxPacket: maxPacket,
		recv:      DefaultWindowSize,
		recvMax:   DefaultWindowSize,
	}
}

// LocalID returns the locally assigned channel number.
func (w *Window) LocalID() uint32 { return w.localID }

// RemoteID returns the channel number assigned by the peer.
func (w *Window) RemoteID() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remoteID
}

// Available returns the number of bytes that may currently be sent.
func (w *Window) Available() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.send
}

// Adjust replenishes the send window by n bytes, as requested by a window adjust message.
// The window saturates rather than wraps.
func (w *Window) Adjust(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.send+n < w.send {
		w.send = 1<<32 - 1
		return
	}
	w.send += n
}

// Consume charges n bytes of outbound data against the send window.
// It fails with ErrWindowExceeded, and charges nothing, when n does not fit.
func (w *Window) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > w.send {
		return errors.Wrapf(ErrWindowExceeded, "%d bytes, %d available", n, w.send)
	}
	w.send -= n
	return nil
}

// chunk returns how many of n bytes may go into the next data frame.
func (w *Window) chunk(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if uint64(n) > uint64(w.send) {
		n = int(w.send)
	}
	if w.maxPacket > 0 && uint64(n) > uint64(w.maxPacket) {
		n = int(w.maxPacket)
	}
	return n
}

// received charges n bytes of inbound data against the receive window.
// It returns the number of bytes to grant the peer in a window adjust, or zero if none is due yet,
// and how far the peer overran its window, if it did.
func (w *Window) received(n uint32) (grant, overrun uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > w.recv {
		overrun = n - w.recv
		w.recv = 0
	} else {
		w.recv -= n
	}

	if w.recv >= w.recvMax/2 {
		return 0, overrun
	}

	grant = w.recvMax - w.recv
	w.recv = w.recvMax
	return grant, overrun
}

// confirm records the peer's side of a completed open handshake.
func (w *Window) confirm(remoteID, sendWindow, maxPacket uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.remoteID = remoteID
	w.send = sendWindow
	w.maxPacket = maxPacket
}
