package sshchan

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pkg/sshchan/encoding/ssh/wire"
)

// Channel is one flow-controlled stream multiplexed over a shared Conn.
//
// A Channel is not safe for concurrent use;
// it is meant to be driven by a single goroutine, while the Conn it shares with other channels is.
type Channel struct {
	conn   Conn
	window *Window
	log    *zap.Logger

	remoteClose bool
	localClose  bool
	released    bool

	// data received while waiting on the send window, handed out by the next Receive
	pending []byte
}

// NewChannel wraps an open channel described by w.
// The channel handshake has already been completed by whoever created w.
func NewChannel(conn Conn, w *Window) *Channel {
	return &Channel{
		conn:   conn,
		window: w,
		log:    zap.NewNop(),
	}
}

// LocalID returns the channel number we assigned.
func (c *Channel) LocalID() uint32 { return c.window.LocalID() }

// RemoteID returns the channel number the peer assigned.
func (c *Channel) RemoteID() uint32 { return c.window.RemoteID() }

// Window returns the flow-control state of the channel.
func (c *Channel) Window() *Window { return c.window }

// RemoteClosed reports whether the peer has closed the channel.
func (c *Channel) RemoteClosed() bool { return c.remoteClose }

// LocalClosed reports whether we have sent our close.
func (c *Channel) LocalClosed() bool { return c.localClose }

// Closed reports whether both sides have closed the channel.
func (c *Channel) Closed() bool { return c.remoteClose && c.localClose }

// Send writes data to the peer as one or more CHANNEL_DATA frames,
// each sized to fit the peer's window and maximum packet size.
// When the window is exhausted, Send reads from the connection until the peer adjusts it;
// data that arrives meanwhile is kept for the next Receive.
func (c *Channel) Send(data []byte) error {
	for len(data) > 0 {
		if c.localClose {
			return ErrChannelClosed
		}

		n := c.window.chunk(len(data))
		if n == 0 {
			if c.remoteClose {
				return errors.Wrap(io.ErrClosedPipe, "sshchan: peer closed channel while waiting for window")
			}
			if err := c.poll(); err != nil {
				return err
			}
			continue
		}

		buf := wire.NewMarshalBuffer(wire.MsgChannelData, 4+4+n)
		buf.AppendUint32(c.window.RemoteID())
		buf.AppendByteSlice(data[:n])

		if err := c.conn.WritePacket(buf, c.window); err != nil {
			return err
		}

		data = data[n:]
	}

	return nil
}

// Receive blocks until the connection yields a batch of frames for this channel,
// dispatches every frame, and returns the channel data collected from the batch.
// The result is empty when the batch only held control messages.
// Once the peer has closed the channel and all its data has been returned, Receive returns io.EOF.
func (c *Channel) Receive() ([]byte, error) {
	if len(c.pending) == 0 {
		if c.remoteClose {
			return nil, io.EOF
		}
		if err := c.poll(); err != nil {
			return nil, err
		}
	}

	out := c.pending
	c.pending = nil
	return out, nil
}

// poll reads one batch from the connection and dispatches it.
func (c *Channel) poll() error {
	pkts, err := c.conn.ReadPackets(c.window)
	if err != nil {
		return err
	}

	for _, pkt := range pkts {
		if err := c.dispatch(pkt); err != nil {
			return err
		}
	}

	return nil
}

func (c *Channel) dispatch(pkt *wire.Buffer) error {
	if pkt.Len() == 0 {
		return nil
	}

	code, err := pkt.ConsumeMsgCode()
	if err != nil {
		return err
	}

	switch code {
	case wire.MsgChannelData:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return errors.Wrapf(err, "sshchan: malformed %v", code)
		}
		if id != c.LocalID() {
			c.log.Debug("ignoring data for another channel", zap.Uint32("recipient", id))
			return nil
		}

		data, err := pkt.ConsumeByteSlice()
		if err != nil {
			return errors.Wrapf(err, "sshchan: malformed %v", code)
		}
		if c.remoteClose {
			c.log.Debug("dropping data after close", zap.Int("len", len(data)))
			return nil
		}
		c.pending = append(c.pending, data...)

	case wire.MsgChannelClose:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return errors.Wrapf(err, "sshchan: malformed %v", code)
		}
		if id != c.LocalID() {
			return nil
		}
		c.log.Debug("peer closed channel")
		c.remoteClose = true
		return c.Close()

	default:
		return c.conn.Other(code, pkt)
	}

	return nil
}

// Close sends our close for the channel.
// It may be called any number of times, and after the peer has closed;
// only the first call writes a frame.
func (c *Channel) Close() error {
	if !c.localClose {
		buf := wire.NewMarshalBuffer(wire.MsgChannelClose, 4)
		buf.AppendUint32(c.window.RemoteID())

		if err := c.conn.WritePacket(buf, nil); err != nil {
			return err
		}
		c.localClose = true

		if r, ok := c.conn.(releaser); ok {
			r.localClosed(c.LocalID())
		}
	}

	if c.Closed() && !c.released {
		c.released = true
		if r, ok := c.conn.(releaser); ok {
			r.release(c.LocalID())
		}
	}

	return nil
}

// CloseWrite tells the peer that we will send no more data (CHANNEL_EOF).
// The channel stays open for reading.
func (c *Channel) CloseWrite() error {
	if c.localClose {
		return ErrChannelClosed
	}

	buf := wire.NewMarshalBuffer(wire.MsgChannelEOF, 4)
	buf.AppendUint32(c.window.RemoteID())

	return c.conn.WritePacket(buf, nil)
}

// RequestExec asks the peer to run command on this channel, with want-reply set.
// The reply is not awaited here; it is handled with every other control message.
func (c *Channel) RequestExec(command string) error {
	if c.localClose {
		return ErrChannelClosed
	}

	buf := wire.NewMarshalBuffer(wire.MsgChannelRequest, 4+4+4+1+4+len(command))
	buf.AppendUint32(c.window.RemoteID())
	buf.AppendString("exec")
	buf.AppendBool(true)
	buf.AppendString(command)

	c.log.Debug("requesting exec", zap.String("command", command))

	return c.conn.WritePacket(buf, nil)
}

// SendRequest sends a channel request of the given type, with payload appended verbatim.
func (c *Channel) SendRequest(name string, wantReply bool, payload []byte) error {
	if c.localClose {
		return ErrChannelClosed
	}

	buf := wire.NewMarshalBuffer(wire.MsgChannelRequest, 4+4+len(name)+1+len(payload))
	buf.AppendUint32(c.window.RemoteID())
	buf.AppendString(name)
	buf.AppendBool(wantReply)
	buf.AppendBytes(payload)

	return c.conn.WritePacket(buf, nil)
}
