package sshchan

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshchan/encoding/ssh/wire"
)

func TestSendPacket(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sendPacket(&buf, closeFrame(7).Bytes()))

	assert.Equal(t, []byte{0, 0, 0, 5, 97, 0, 0, 0, 7}, buf.Bytes())

	data, err := recvPacket(&buf, 5)
	require.NoError(t, err)
	assert.Equal(t, closeFrame(7).Bytes(), data)
}

func TestRecvPacketErrors(t *testing.T) {
	_, err := recvPacket(bytes.NewReader([]byte{0, 0, 1, 0, 1, 2, 3}), 16)
	assert.True(t, errors.Is(err, wire.ErrLongPacket), "%v", err)

	_, err = recvPacket(bytes.NewReader([]byte{0, 0, 0, 4, 1, 2}), 16)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = recvPacket(bytes.NewReader(nil), 16)
	assert.Equal(t, io.EOF, err)
}
