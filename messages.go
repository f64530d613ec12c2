package sshchan

import (
	"golang.org/x/crypto/ssh"
)

// Connection management messages, encoded with ssh.Marshal.
// See RFC 4254.

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   ssh.RejectionReason
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

type globalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

// ptyRequestMsg is the payload of a pty-req channel request.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}
