package sshchan

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/pkg/sshchan/encoding/ssh/wire"
)

// packetOverhead is the room left above the maximum data length for the frame header fields.
const packetOverhead = 1 + 4 + 4 + 4

// sendPacket writes data as one length-prefixed frame.
func sendPacket(w io.Writer, data []byte) error {
	b := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(b, uint32(len(data)))
	b = append(b, data...)

	_, err := w.Write(b)
	return err
}

// recvPacket reads one length-prefixed frame, refusing frames longer than maxLen.
func recvPacket(r io.Reader, maxLen uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	l := binary.BigEndian.Uint32(hdr[:])
	if l > maxLen {
		return nil, errors.Wrapf(wire.ErrLongPacket, "%d bytes, max %d", l, maxLen)
	}

	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
