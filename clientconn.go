package sshchan

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshchan/encoding/ssh/wire"
)

// ClientConn multiplexes channels over a single packet stream.
//
// The stream is expected to be already secured and authenticated.
// Every frame on it is a uint32 length in network byte order, followed by the SSH message.
type ClientConn struct {
	rwc io.ReadWriteCloser

	wmu sync.Mutex // serialises writes to rwc

	mu       sync.Mutex // protects channels, nextID, err
	channels map[uint32]*channelState
	nextID   uint32
	err      error
	closed   chan struct{}
	wg       sync.WaitGroup

	windowSize uint32
	maxPacket  uint32
	log        *zap.Logger
}

// channelState is the connection's view of one registered channel.
type channelState struct {
	w     *Window
	queue []*wire.Buffer
	ready chan struct{}
	eof   bool

	// localClose is set once our CHANNEL_CLOSE is on the wire;
	// from then on only the peer's close is queued.
	localClose bool
}

// ClientOption specifies an option that can be set on a ClientConn.
type ClientOption func(*ClientConn) error

// WithLogger sets the logger used by the connection and its channels.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *ClientConn) error {
		if log == nil {
			return errors.New("sshchan: nil logger")
		}
		c.log = log
		return nil
	}
}

// WithWindowSize sets the receive window advertised for every channel.
func WithWindowSize(size uint32) ClientOption {
	return func(c *ClientConn) error {
		if size == 0 {
			return errors.New("sshchan: window size must be positive")
		}
		c.windowSize = size
		return nil
	}
}

// WithMaxPacket sets the largest data payload accepted in a single frame.
func WithMaxPacket(size uint32) ClientOption {
	return func(c *ClientConn) error {
		if size == 0 {
			return errors.New("sshchan: max packet must be positive")
		}
		c.maxPacket = size
		return nil
	}
}

// NewClientConn starts multiplexing channels over rwc.
func NewClientConn(rwc io.ReadWriteCloser, opts ...ClientOption) (*ClientConn, error) {
	c := &ClientConn{
		rwc:        rwc,
		channels:   make(map[uint32]*channelState),
		closed:     make(chan struct{}),
		windowSize: DefaultWindowSize,
		maxPacket:  DefaultMaxPacket,
		log:        zap.NewNop(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.wg.Add(1)
	go c.loop()

	return c, nil
}

func (c *ClientConn) loop() {
	defer c.wg.Done()

	err := c.recv()
	if err == io.EOF {
		err = ErrConnClosed
	}
	c.broadcastErr(err)
}

// recv continuously reads frames and queues them on the channel they are addressed to.
func (c *ClientConn) recv() error {
	for {
		data, err := recvPacket(c.rwc, c.maxPacket+packetOverhead)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}

		pkt := wire.NewBuffer(data)

		id, ok := wire.Recipient(data)
		if !ok {
			code, _ := pkt.ConsumeMsgCode()
			if err := c.Other(code, pkt); err != nil {
				return err
			}
			continue
		}

		if !c.enqueue(id, pkt) {
			c.log.Debug("dropping packet for unknown channel",
				zap.Stringer("code", wire.MsgCode(data[0])),
				zap.Uint32("channel", id),
			)
		}
	}
}

func (c *ClientConn) enqueue(id uint32, pkt *wire.Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.channels[id]
	if !ok {
		return false
	}

	if st.localClose {
		if wire.MsgCode(pkt.Bytes()[0]) != wire.MsgChannelClose {
			return false
		}
		// both sides are closed; the owner may never read again
		delete(c.channels, id)
	}

	st.queue = append(st.queue, pkt)
	select {
	case st.ready <- struct{}{}:
	default:
	}
	return true
}

// unread puts pkts back at the front of a channel's queue.
func (c *ClientConn) unread(id uint32, pkts []*wire.Buffer) {
	if len(pkts) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.channels[id]; ok {
		st.queue = append(pkts[:len(pkts):len(pkts)], st.queue...)
		select {
		case st.ready <- struct{}{}:
		default:
		}
	}
}

// broadcastErr records the error that ended the connection and wakes every waiting channel.
func (c *ClientConn) broadcastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// WritePacket implements Conn.
func (c *ClientConn) WritePacket(pkt *wire.Buffer, w *Window) error {
	if w != nil {
		if err := w.Consume(dataLength(pkt.Bytes())); err != nil {
			return err
		}
	}

	return c.write(pkt.Bytes())
}

func (c *ClientConn) write(data []byte) error {
	select {
	case <-c.closed:
		return c.connErr()
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	return errors.Wrap(sendPacket(c.rwc, data), "sshchan: write packet")
}

func (c *ClientConn) writeMsg(msg interface{}) error {
	return c.write(ssh.Marshal(msg))
}

func (c *ClientConn) connErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		return ErrConnClosed
	}
	return c.err
}

// ReadPackets implements Conn.
// It returns every frame queued for the channel of w,
// waiting for one to arrive if the queue is empty.
func (c *ClientConn) ReadPackets(w *Window) ([]*wire.Buffer, error) {
	if w == nil {
		return nil, errors.New("sshchan: ReadPackets needs a channel window")
	}

	c.mu.Lock()
	st, ok := c.channels[w.LocalID()]
	c.mu.Unlock()
	if !ok {
		// released once both sides closed, possibly before the peer's close was read
		buf := wire.NewMarshalBuffer(wire.MsgChannelClose, 4)
		buf.AppendUint32(w.LocalID())
		return []*wire.Buffer{buf}, nil
	}

	for {
		c.mu.Lock()
		pkts := st.queue
		st.queue = nil
		err := c.err
		c.mu.Unlock()

		if len(pkts) > 0 {
			return pkts, c.charge(w, pkts)
		}
		if err != nil {
			return nil, err
		}

		select {
		case <-st.ready:
		case <-c.closed:
		}
	}
}

// charge accounts for inbound data against the receive window of w,
// and grants the peer more room once half of it is used.
func (c *ClientConn) charge(w *Window, pkts []*wire.Buffer) error {
	var n uint32
	for _, pkt := range pkts {
		n += dataLength(pkt.Bytes())
	}
	if n == 0 {
		return nil
	}

	grant, overrun := w.received(n)
	if overrun > 0 {
		c.log.Warn("peer exceeded receive window",
			zap.Uint32("channel", w.LocalID()),
			zap.Uint32("bytes", overrun),
		)
	}
	if grant == 0 {
		return nil
	}

	c.log.Debug("adjusting window", zap.Uint32("channel", w.LocalID()), zap.Uint32("bytes", grant))

	return c.writeMsg(&windowAdjustMsg{
		PeersID:         w.RemoteID(),
		AdditionalBytes: grant,
	})
}

// Other implements Conn.
// It handles the connection housekeeping that no channel flavour owns.
func (c *ClientConn) Other(code wire.MsgCode, pkt *wire.Buffer) error {
	malformed := func(err error) error {
		return errors.Wrapf(err, "sshchan: malformed %v", code)
	}

	switch code {
	case wire.MsgChannelWindowAdjust:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}
		n, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}

		if st := c.lookup(id); st != nil {
			st.w.Adjust(n)
		}

	case wire.MsgChannelEOF:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}

		c.mu.Lock()
		if st, ok := c.channels[id]; ok {
			st.eof = true
		}
		c.mu.Unlock()

		c.log.Debug("peer sent eof", zap.Uint32("channel", id))

	case wire.MsgChannelExtendedData:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}
		if _, err := pkt.ConsumeUint32(); err != nil {
			return malformed(err)
		}
		data, err := pkt.ConsumeByteSlice()
		if err != nil {
			return malformed(err)
		}

		c.log.Debug("discarding extended data", zap.Uint32("channel", id), zap.ByteString("data", data))

	case wire.MsgChannelRequest:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}
		name, err := pkt.ConsumeString()
		if err != nil {
			return malformed(err)
		}
		wantReply, err := pkt.ConsumeBool()
		if err != nil {
			return malformed(err)
		}

		c.log.Debug("channel request from peer", zap.Uint32("channel", id), zap.String("request", name))

		if st := c.lookup(id); st != nil && wantReply {
			return c.writeMsg(&channelRequestFailureMsg{PeersID: st.w.RemoteID()})
		}

	case wire.MsgGlobalRequest:
		name, err := pkt.ConsumeString()
		if err != nil {
			return malformed(err)
		}
		wantReply, err := pkt.ConsumeBool()
		if err != nil {
			return malformed(err)
		}

		c.log.Debug("global request from peer", zap.String("request", name))

		if wantReply {
			return c.writeMsg(&globalRequestFailureMsg{})
		}

	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		id, err := pkt.ConsumeUint32()
		if err != nil {
			return malformed(err)
		}

		if code == wire.MsgChannelFailure {
			c.log.Warn("channel request failed", zap.Uint32("channel", id))
		} else {
			c.log.Debug("channel request succeeded", zap.Uint32("channel", id))
		}

	case wire.MsgDisconnect:
		reason, _ := pkt.ConsumeUint32()
		msg, _ := pkt.ConsumeString()
		return errors.Errorf("sshchan: peer disconnected: reason %d: %s", reason, msg)

	case wire.MsgIgnore, wire.MsgDebug, wire.MsgUnimplemented, wire.MsgRequestSuccess, wire.MsgRequestFailure:
		c.log.Debug("ignoring message", zap.Stringer("code", code))

	default:
		c.log.Warn("unexpected message", zap.Stringer("code", code))
	}

	return nil
}

func (c *ClientConn) lookup(id uint32) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

// register allocates a local channel number.
func (c *ClientConn) register() (*Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	for {
		id := c.nextID
		c.nextID++

		if _, inUse := c.channels[id]; inUse {
			continue
		}

		w := &Window{
			localID: id,
			recv:    c.windowSize,
			recvMax: c.windowSize,
		}
		c.channels[id] = &channelState{
			w:     w,
			ready: make(chan struct{}, 1),
		}
		return w, nil
	}
}

// localClosed records that our close for channel id has been sent.
// Frames other than the peer's close are no longer queued,
// and a peer close that is already queued completes the teardown.
func (c *ClientConn) localClosed(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.channels[id]
	if !ok {
		return
	}
	st.localClose = true

	for _, pkt := range st.queue {
		if wire.MsgCode(pkt.Bytes()[0]) == wire.MsgChannelClose {
			delete(c.channels, id)
			return
		}
	}
}

// release forgets a fully closed channel; its number may be reused,
// and frames still addressed to it are dropped.
func (c *ClientConn) release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.channels, id)
}

// PeerEOF reports whether the peer has sent CHANNEL_EOF on the channel ch.
func (c *ClientConn) PeerEOF(ch *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.channels[ch.LocalID()]
	return ok && st.eof
}

// OpenChannel opens a channel of type chanType and waits for the peer to confirm it.
func (c *ClientConn) OpenChannel(chanType string, extra []byte) (*Channel, error) {
	w, err := c.register()
	if err != nil {
		return nil, err
	}

	err = c.writeMsg(&channelOpenMsg{
		ChanType:         chanType,
		PeersID:          w.LocalID(),
		PeersWindow:      c.windowSize,
		MaxPacketSize:    c.maxPacket,
		TypeSpecificData: extra,
	})
	if err != nil {
		c.release(w.LocalID())
		return nil, err
	}

	for {
		pkts, err := c.ReadPackets(w)
		if err != nil {
			c.release(w.LocalID())
			return nil, err
		}

		for i, pkt := range pkts {
			data := pkt.Bytes()

			switch wire.MsgCode(data[0]) {
			case wire.MsgChannelOpenConfirm:
				var msg channelOpenConfirmMsg
				if err := ssh.Unmarshal(data, &msg); err != nil {
					c.release(w.LocalID())
					return nil, errors.Wrap(err, "sshchan: malformed open confirmation")
				}

				w.confirm(msg.MyID, msg.MyWindow, msg.MaxPacketSize)
				c.unread(w.LocalID(), pkts[i+1:])

				c.log.Debug("opened channel",
					zap.String("type", chanType),
					zap.Uint32("channel", w.LocalID()),
					zap.Uint32("peer_channel", msg.MyID),
				)

				ch := NewChannel(c, w)
				ch.log = c.log.With(zap.Uint32("channel", w.LocalID()))
				return ch, nil

			case wire.MsgChannelOpenFailure:
				c.release(w.LocalID())

				var msg channelOpenFailureMsg
				if err := ssh.Unmarshal(data, &msg); err != nil {
					return nil, errors.Wrap(err, "sshchan: malformed open failure")
				}
				return nil, &OpenChannelError{
					Reason:  msg.Reason,
					Message: msg.Message,
				}

			default:
				code, _ := pkt.ConsumeMsgCode()
				if err := c.Other(code, pkt); err != nil {
					c.release(w.LocalID())
					return nil, err
				}
			}
		}
	}
}

// Exec opens a session channel for running one command.
func (c *ClientConn) Exec() (*ExecChannel, error) {
	ch, err := c.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}
	return NewExecChannel(ch), nil
}

// Shell opens a session channel, requests a pseudo terminal and starts the user's shell.
func (c *ClientConn) Shell(term string, cols, rows uint32) (*ShellChannel, error) {
	ch, err := c.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}

	pty := ssh.Marshal(&ptyRequestMsg{
		Term:     term,
		Columns:  cols,
		Rows:     rows,
		Modelist: "\x00", // TTY_OP_END
	})

	if err := ch.SendRequest("pty-req", true, pty); err != nil {
		return nil, multierr.Append(err, ch.Close())
	}
	if err := ch.SendRequest("shell", true, nil); err != nil {
		return nil, multierr.Append(err, ch.Close())
	}

	return NewShellChannel(ch), nil
}

// Scp opens a session channel for one scp transfer.
func (c *ClientConn) Scp() (*ScpChannel, error) {
	ch, err := c.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}
	return NewScpChannel(ch), nil
}

// Close closes the underlying stream.
// Channels still in use fail with ErrConnClosed.
func (c *ClientConn) Close() error {
	c.broadcastErr(ErrConnClosed)
	err := c.rwc.Close()
	c.wg.Wait()
	return err
}
