package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgCall, 42, []byte(`{"method":"geoFence.list"}`))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	raw := buf.Bytes()
	assert.Equal(t, uint32(ProtocolMagic), binary.BigEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint16(MsgCall), binary.BigEndian.Uint16(raw[6:8]))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgCall, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, FlagJSON, got.Header.Flags)
	assert.Equal(t, msg.Payload, got.Payload)
}

func TestReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgPing, 7, nil).Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPing, got.Header.Type)
	assert.Nil(t, got.Payload)
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(raw[0:4], 0xdeadbeef)
	raw[4] = ProtocolVersion

	_, err := ReadMessage(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "invalid magic")
}

func TestReadMessageRejectsNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Version = ProtocolVersion + 1
	require.NoError(t, msg.Write(&buf))

	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "unsupported protocol version")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgCall,
		Length:  MaxPayload + 1,
	}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "payload too large")
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgCall, 1, []byte("0123456789")).Write(&buf))
	truncated := buf.Bytes()[:HeaderSize+4]

	_, err := ReadMessage(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage(9, ErrInvalidRegion, "radius: must be positive")
	assert.Equal(t, MsgError, msg.Header.Type)

	var er ErrorResponse
	require.NoError(t, Decode(msg.Payload, &er))
	assert.Equal(t, ErrInvalidRegion, er.Code)
	assert.Equal(t, "radius: must be positive", er.Message)
}
