package wire

import (
	"fmt"
)

// MsgCode defines the SSH message numbers of the transport and connection protocols
// that can appear on a channel layer.
//
// See RFC 4253 section 12 and RFC 4254 section 9.
type MsgCode uint8

// Transport layer generic messages.
const (
	MsgDisconnect = MsgCode(iota + 1)
	MsgIgnore
	MsgUnimplemented
	MsgDebug
)

// Connection protocol global messages.
const (
	MsgGlobalRequest = MsgCode(iota + 80)
	MsgRequestSuccess
	MsgRequestFailure
)

// Connection protocol channel messages.
const (
	MsgChannelOpen = MsgCode(iota + 90)
	MsgChannelOpenConfirm
	MsgChannelOpenFailure
	MsgChannelWindowAdjust
	MsgChannelData
	MsgChannelExtendedData
	MsgChannelEOF
	MsgChannelClose
	MsgChannelRequest
	MsgChannelSuccess
	MsgChannelFailure
)

// HasRecipient reports whether messages of this code carry the recipient channel
// number as a uint32 immediately after the code byte.
func (c MsgCode) HasRecipient() bool {
	return c >= MsgChannelOpenConfirm && c <= MsgChannelFailure
}

func (c MsgCode) String() string {
	switch c {
	case MsgDisconnect:
		return "SSH_MSG_DISCONNECT"
	case MsgIgnore:
		return "SSH_MSG_IGNORE"
	case MsgUnimplemented:
		return "SSH_MSG_UNIMPLEMENTED"
	case MsgDebug:
		return "SSH_MSG_DEBUG"
	case MsgGlobalRequest:
		return "SSH_MSG_GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "SSH_MSG_REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "SSH_MSG_REQUEST_FAILURE"
	case MsgChannelOpen:
		return "SSH_MSG_CHANNEL_OPEN"
	case MsgChannelOpenConfirm:
		return "SSH_MSG_CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "SSH_MSG_CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "SSH_MSG_CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "SSH_MSG_CHANNEL_DATA"
	case MsgChannelExtendedData:
		return "SSH_MSG_CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "SSH_MSG_CHANNEL_EOF"
	case MsgChannelClose:
		return "SSH_MSG_CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "SSH_MSG_CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "SSH_MSG_CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "SSH_MSG_CHANNEL_FAILURE"
	default:
		return fmt.Sprintf("SSH_MSG_UNKNOWN(%d)", c)
	}
}

// Recipient returns the recipient channel number of the raw message data,
// without consuming anything.
// The boolean is false if the message code carries no recipient, or data is too short.
func Recipient(data []byte) (uint32, bool) {
	if len(data) < 5 || !MsgCode(data[0]).HasRecipient() {
		return 0, false
	}

	v, err := NewBuffer(data[1:5]).ConsumeUint32()
	return v, err == nil
}
