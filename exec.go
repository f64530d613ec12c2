package sshchan

// ExecChannel runs a single remote command.
type ExecChannel struct {
	ch   *Channel
	used bool
}

// NewExecChannel wraps ch for running one command.
func NewExecChannel(ch *Channel) *ExecChannel {
	return &ExecChannel{ch: ch}
}

// Channel returns the underlying channel.
func (e *ExecChannel) Channel() *Channel { return e.ch }

// Run executes command and returns everything it wrote to the channel,
// once both sides have closed.
// On any error the output collected so far is discarded.
//
// An ExecChannel runs exactly one command; calling Run again returns ErrChannelConsumed.
func (e *ExecChannel) Run(command string) ([]byte, error) {
	if e.used {
		return nil, ErrChannelConsumed
	}
	e.used = true

	if err := e.ch.RequestExec(command); err != nil {
		return nil, err
	}

	var out []byte
	for !e.ch.Closed() {
		data, err := e.ch.Receive()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}

	return out, nil
}
