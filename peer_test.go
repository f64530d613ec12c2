package sshchan

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshchan/encoding/ssh/wire"
)

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

// testPeer is the server side of a ClientConn under test.
// It confirms channel opens and runs a handler for every exec or shell request.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	out  chan []byte

	// reject, if set, makes every channel open fail with this reason.
	reject ssh.RejectionReason

	// handle runs, on its own goroutine, for every exec and shell request.
	handle func(s *peerSession, req string, arg string)

	mu       sync.Mutex
	sessions map[uint32]*peerSession
	seen     []wire.MsgCode
	adjusted uint32
	requests []string

	done chan struct{}
}

// peerSession is one channel as seen by the peer.
type peerSession struct {
	p        *testPeer
	clientID uint32

	in   chan []byte
	once sync.Once
	rest []byte
	rd   *bufio.Reader
}

// newTestPair connects a ClientConn to a fresh testPeer.
func newTestPair(t *testing.T, handle func(s *peerSession, req, arg string), opts ...ClientOption) (*ClientConn, *testPeer) {
	cliSide, srvSide := net.Pipe()

	p := &testPeer{
		t:        t,
		conn:     srvSide,
		out:      make(chan []byte, 1024),
		handle:   handle,
		sessions: make(map[uint32]*peerSession),
		done:     make(chan struct{}),
	}
	go p.writeLoop()
	go p.readLoop()

	c, err := NewClientConn(cliSide, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		srvSide.Close()
		<-p.done
	})

	return c, p
}

func (p *testPeer) writeLoop() {
	for data := range p.out {
		if err := sendPacket(p.conn, data); err != nil {
			return
		}
	}
}

func (p *testPeer) send(data []byte) {
	select {
	case p.out <- data:
	case <-p.done:
	}
}

func (p *testPeer) sendMsg(msg interface{}) {
	p.send(ssh.Marshal(msg))
}

func (p *testPeer) codes() []wire.MsgCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.MsgCode(nil), p.seen...)
}

func (p *testPeer) saw(code wire.MsgCode) bool {
	for _, c := range p.codes() {
		if c == code {
			return true
		}
	}
	return false
}

func (p *testPeer) adjustedBytes() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adjusted
}

func (p *testPeer) requestNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// serverID maps a client channel number to the number the peer assigns it.
func serverID(clientID uint32) uint32 { return clientID + 100 }

func (p *testPeer) readLoop() {
	defer close(p.done)
	defer p.conn.Close()

	for {
		data, err := recvPacket(p.conn, 1<<20)
		if err != nil {
			p.mu.Lock()
			for _, s := range p.sessions {
				s.eof()
			}
			p.mu.Unlock()
			return
		}

		code := wire.MsgCode(data[0])

		p.mu.Lock()
		p.seen = append(p.seen, code)
		p.mu.Unlock()

		buf := wire.NewBuffer(data)
		buf.ConsumeMsgCode()

		switch code {
		case wire.MsgChannelOpen:
			p.open(data)

		case wire.MsgChannelRequest:
			id, _ := buf.ConsumeUint32()
			name, _ := buf.ConsumeString()
			wantReply, _ := buf.ConsumeBool()

			p.mu.Lock()
			p.requests = append(p.requests, name)
			s := p.sessions[id]
			p.mu.Unlock()

			if s == nil {
				continue
			}
			if wantReply {
				p.send(channelReply(wire.MsgChannelSuccess, s.clientID))
			}

			switch name {
			case "exec":
				cmd, _ := buf.ConsumeString()
				go p.handle(s, name, cmd)
			case "pty-req":
				term, _ := buf.ConsumeString()
				s.term(term)
			case "shell":
				go p.handle(s, name, "")
			}

		case wire.MsgChannelData:
			id, _ := buf.ConsumeUint32()
			payload, _ := buf.ConsumeByteSlice()

			p.mu.Lock()
			s := p.sessions[id]
			p.mu.Unlock()

			if s != nil {
				s.in <- payload
			}

		case wire.MsgChannelEOF, wire.MsgChannelClose:
			id, _ := buf.ConsumeUint32()

			p.mu.Lock()
			s := p.sessions[id]
			p.mu.Unlock()

			if s != nil {
				s.eof()
			}

		case wire.MsgChannelWindowAdjust:
			buf.ConsumeUint32()
			n, _ := buf.ConsumeUint32()

			p.mu.Lock()
			p.adjusted += n
			p.mu.Unlock()
		}
	}
}

func (p *testPeer) open(data []byte) {
	var msg channelOpenMsg
	if err := ssh.Unmarshal(data, &msg); err != nil {
		p.t.Errorf("peer: malformed open: %v", err)
		return
	}

	if p.reject != 0 {
		p.sendMsg(&channelOpenFailureMsg{
			PeersID: msg.PeersID,
			Reason:  p.reject,
			Message: "no sessions for you",
		})
		return
	}

	s := &peerSession{
		p:        p,
		clientID: msg.PeersID,
		in:       make(chan []byte, 1024),
	}
	s.rd = bufio.NewReader(s)

	p.mu.Lock()
	p.sessions[serverID(msg.PeersID)] = s
	p.mu.Unlock()

	p.sendMsg(&channelOpenConfirmMsg{
		PeersID:       msg.PeersID,
		MyID:          serverID(msg.PeersID),
		MyWindow:      1 << 20,
		MaxPacketSize: 1 << 15,
	})
}

func channelReply(code wire.MsgCode, id uint32) []byte {
	buf := wire.NewMarshalBuffer(code, 4)
	buf.AppendUint32(id)
	return buf.Bytes()
}

func (s *peerSession) term(name string) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.requests = append(s.p.requests, "term="+name)
}

func (s *peerSession) eof() {
	s.once.Do(func() { close(s.in) })
}

// Read returns the channel data the client sent, then io.EOF once it sent EOF or CLOSE.
func (s *peerSession) Read(b []byte) (int, error) {
	if len(s.rest) == 0 {
		data, ok := <-s.in
		if !ok {
			return 0, io.EOF
		}
		s.rest = data
	}
	n := copy(b, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *peerSession) Write(data []byte) (int, error) {
	buf := wire.NewMarshalBuffer(wire.MsgChannelData, 4+4+len(data))
	buf.AppendUint32(s.clientID)
	buf.AppendByteSlice(data)
	s.p.send(buf.Bytes())
	return len(data), nil
}

func (s *peerSession) writeString(str string) {
	s.Write([]byte(str))
}

func (s *peerSession) request(name string, wantReply bool) {
	buf := wire.NewMarshalBuffer(wire.MsgChannelRequest, 4+4+len(name)+1)
	buf.AppendUint32(s.clientID)
	buf.AppendString(name)
	buf.AppendBool(wantReply)
	s.p.send(buf.Bytes())
}

func (s *peerSession) sendEOF() {
	s.p.send(channelReply(wire.MsgChannelEOF, s.clientID))
}

func (s *peerSession) close() {
	s.p.send(channelReply(wire.MsgChannelClose, s.clientID))
}

// exit finishes an exec session the way an sshd does.
func (s *peerSession) exit() {
	s.request("exit-status", false)
	s.sendEOF()
	s.close()
}

// echoHandler answers "echo ARGS" and echoes shell input back until the client closes.
func echoHandler(s *peerSession, req, arg string) {
	switch req {
	case "exec":
		s.writeString(strings.TrimPrefix(arg, "echo ") + "\n")
		s.exit()
	case "shell":
		b := make([]byte, 1<<16)
		for {
			n, err := s.Read(b)
			if err != nil {
				s.close()
				return
			}
			s.Write(b[:n])
		}
	}
}

// scpSink is a remote "scp -t" that records what it receives.
type scpSink struct {
	mu    sync.Mutex
	files map[string]string
	dirs  []string
}

func newScpSink() *scpSink {
	return &scpSink{files: make(map[string]string)}
}

func (k *scpSink) handle(s *peerSession, req, arg string) {
	defer s.exit()

	root := arg[strings.LastIndexByte(arg, ' ')+1:]
	cwd := []string{root}

	ack := func() { s.Write([]byte{0}) }
	ack()

	for {
		line, err := s.rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")

		switch line[0] {
		case 'T':
			ack()

		case 'D':
			name := strings.SplitN(line, " ", 3)[2]
			dir := path.Join(cwd[len(cwd)-1], name)

			k.mu.Lock()
			k.dirs = append(k.dirs, dir)
			k.mu.Unlock()

			cwd = append(cwd, dir)
			ack()

		case 'E':
			cwd = cwd[:len(cwd)-1]
			ack()

		case 'C':
			fields := strings.SplitN(line, " ", 3)
			size, err := strconv.Atoi(fields[1])
			if err != nil {
				s.Write([]byte(fmt.Sprintf("\x02bad size %q\n", fields[1])))
				return
			}
			ack()

			body := make([]byte, size+1)
			if _, err := io.ReadFull(s.rd, body); err != nil {
				return
			}

			k.mu.Lock()
			k.files[path.Join(cwd[len(cwd)-1], fields[2])] = string(body[:size])
			k.mu.Unlock()

			ack()
		}
	}
}
