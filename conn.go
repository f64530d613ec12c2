package sshchan

import (
	"github.com/pkg/sshchan/encoding/ssh/wire"
)

// Conn is the authenticated transport shared by every channel.
//
// Implementations must serialise access to the underlying stream,
// so that frames from different channels never interleave on the wire.
type Conn interface {
	// WritePacket sends one fully built frame.
	// When w is non-nil the frame carries channel data,
	// and its data length must be charged against w with Window.Consume before it is written.
	WritePacket(pkt *wire.Buffer, w *Window) error

	// ReadPackets blocks until at least one frame is available for the channel owning w,
	// and returns the whole batch in arrival order.
	ReadPackets(w *Window) ([]*wire.Buffer, error)

	// Other handles a message code that the channel layer does not own,
	// such as window adjustments or requests from the peer.
	// The message code has already been consumed from pkt.
	Other(code wire.MsgCode, pkt *wire.Buffer) error
}

// releaser is implemented by connections that keep a registry of channel numbers.
type releaser interface {
	localClosed(localID uint32)
	release(localID uint32)
}

// dataLength returns the length of the data carried by a CHANNEL_DATA or CHANNEL_EXTENDED_DATA frame,
// or zero for any other message.
func dataLength(data []byte) uint32 {
	buf := wire.NewBuffer(data)

	code, err := buf.ConsumeMsgCode()
	if err != nil {
		return 0
	}

	switch code {
	case wire.MsgChannelData:
	case wire.MsgChannelExtendedData:
		if _, err := buf.ConsumeUint32(); err != nil {
			return 0
		}
	default:
		return 0
	}

	if _, err := buf.ConsumeUint32(); err != nil {
		return 0
	}

	n, err := buf.ConsumeUint32()
	if err != nil {
		return 0
	}
	return n
}
