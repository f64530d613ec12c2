package sshchan

// ShellChannel is an interactive byte stream to a remote shell.
// The remote shell is expected to have been started when the channel was opened.
type ShellChannel struct {
	ch     *Channel
	closed bool
}

// NewShellChannel wraps ch as an interactive shell.
func NewShellChannel(ch *Channel) *ShellChannel {
	return &ShellChannel{ch: ch}
}

// Channel returns the underlying channel.
func (s *ShellChannel) Channel() *Channel { return s.ch }

// Read polls the connection once and returns the data that arrived in that batch.
// The result may be empty; callers waiting for output should call Read again.
// Read returns io.EOF once the peer has closed the channel.
func (s *ShellChannel) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrChannelConsumed
	}
	return s.ch.Receive()
}

// Write sends p to the shell immediately, without buffering.
func (s *ShellChannel) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrChannelConsumed
	}
	if err := s.ch.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the channel. The ShellChannel cannot be used afterwards.
func (s *ShellChannel) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ch.Close()
}
