package sshchan

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ScpMode selects the direction of a remote scp invocation.
type ScpMode string

// Remote scp directions.
const (
	// ScpFrom makes the remote scp a source: we download.
	ScpFrom ScpMode = "-f"
	// ScpTo makes the remote scp a sink: we upload.
	ScpTo ScpMode = "-t"
)

const (
	scpProgram       = "scp"
	scpQuiet         = "-q"
	scpRecursive     = "-r"
	scpPreserveTimes = "-p"

	// scpEnd acknowledges a control line or terminates a file's data.
	scpEnd = 0x00
	// scpWarning and scpFatal prefix an error message line.
	scpWarning = 0x01
	scpFatal   = 0x02
)

// BuildCommand returns the remote scp invocation for remotePath.
// Recursive and preserve-times modes are always requested;
// recursion is harmless for a single file and keeps one code path for files and trees.
func BuildCommand(remotePath string, mode ScpMode) string {
	return strings.Join([]string{
		scpProgram,
		string(mode),
		scpQuiet,
		scpRecursive,
		scpPreserveTimes,
		remotePath,
	}, " ")
}

// checkPath fails with ErrMalformedPath unless path is non-empty valid text.
func checkPath(path string) error {
	if path == "" || !utf8.ValidString(path) || strings.IndexByte(path, 0) >= 0 {
		return errors.Wrapf(ErrMalformedPath, "%q", path)
	}
	return nil
}

// ScpChannel transfers files and directory trees with the scp protocol,
// carried as channel data.
type ScpChannel struct {
	ch  *Channel
	log *zap.Logger

	rd *bufio.Reader
}

// NewScpChannel wraps ch for a single scp transfer.
func NewScpChannel(ch *Channel) *ScpChannel {
	s := &ScpChannel{
		ch:  ch,
		log: ch.log,
	}
	s.rd = bufio.NewReader(scpReader{s})
	return s
}

// Channel returns the underlying channel.
func (s *ScpChannel) Channel() *Channel { return s.ch }

func (s *ScpChannel) sendBytes(b []byte) error {
	return s.ch.Send(b)
}

func (s *ScpChannel) sendString(str string) error {
	return s.sendBytes([]byte(str))
}

func (s *ScpChannel) sendEnd() error {
	return s.sendBytes([]byte{scpEnd})
}

func (s *ScpChannel) execScp(remotePath string, mode ScpMode) error {
	return s.ch.RequestExec(BuildCommand(remotePath, mode))
}

// readData returns the next non-empty run of channel data.
// If the peer closes the channel first it returns whatever arrived, possibly nothing,
// after our own close has been sent.
func (s *ScpChannel) readData() ([]byte, error) {
	for {
		data, err := s.ch.Receive()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(data) > 0 || s.ch.RemoteClosed() {
			return data, nil
		}
	}
}

// readAck reads the single byte response that follows every control line and every file body.
func (s *ScpChannel) readAck() error {
	b, err := s.rd.ReadByte()
	if err != nil {
		return errors.Wrap(unexpectedEOF(err), "scp: reading response")
	}

	switch b {
	case scpEnd:
		return nil
	case scpWarning, scpFatal:
		msg, err := s.rd.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		return &ScpError{
			Fatal:   b == scpFatal,
			Message: strings.TrimSuffix(msg, "\n"),
		}
	default:
		return errors.Errorf("scp: unexpected response byte %#x", b)
	}
}

// waitClosed reads until the peer closes the channel, discarding data.
func (s *ScpChannel) waitClosed() error {
	for !s.ch.RemoteClosed() {
		if _, err := s.readData(); err != nil {
			return err
		}
	}
	return s.ch.Close()
}

// scpReader exposes the channel data of an ScpChannel as an io.Reader.
type scpReader struct {
	s *ScpChannel
}

func (r scpReader) Read(p []byte) (int, error) {
	data, err := r.s.readData()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}

	// bufio always reads into a buffer at least as large as the default size,
	// but a single frame can be larger; keep the remainder for the next read.
	n := copy(p, data)
	if n < len(data) {
		r.s.ch.pending = append(data[n:len(data):len(data)], r.s.ch.pending...)
	}
	return n, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
