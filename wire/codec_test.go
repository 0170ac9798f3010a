package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec()

	payload := []byte(`{"device_id":"LINUX_AA"}`)
	frame, err := codec.Encode(TypeDiscoveryRequest, 7, payload)
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+len(payload))

	header, got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Magic, header.Magic)
	assert.Equal(t, Version, header.Version)
	assert.Equal(t, TypeDiscoveryRequest, header.MsgType)
	assert.Equal(t, uint32(7), header.SessionID)
	assert.Equal(t, uint32(len(payload)), header.DataLength)
	assert.Equal(t, payload, got)
	assert.NotZero(t, header.Timestamp)
}

func TestMessageIDsIncrease(t *testing.T) {
	codec := NewCodec()

	first, err := codec.Encode(TypeHeartbeat, 0, nil)
	require.NoError(t, err)
	second, err := codec.Encode(TypeHeartbeat, 0, nil)
	require.NoError(t, err)

	h1, err := DecodeHeader(first)
	require.NoError(t, err)
	h2, err := DecodeHeader(second)
	require.NoError(t, err)
	assert.Greater(t, h2.MessageID, h1.MessageID)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	codec := NewCodec()
	payload := []byte("hello, network")
	frame, err := codec.Encode(TypeFileAck, 1, payload)
	require.NoError(t, err)

	// Any single flipped payload bit must surface as a checksum mismatch.
	for i := HeaderSize; i < len(frame); i++ {
		corrupted := append([]byte(nil), frame...)
		corrupted[i] ^= 0x01
		_, _, err := Decode(corrupted)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte %d", i)
	}
}

func TestDecodeHeaderValidation(t *testing.T) {
	codec := NewCodec()
	frame, err := codec.Encode(TypeHeartbeat, 0, []byte("x"))
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[0] = 0xFF
		_, err := DecodeHeader(bad)
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[5] = 99
		_, err := DecodeHeader(bad)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := DecodeHeader(frame[:HeaderSize-1])
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, _, err := Decode(frame[:len(frame)-1])
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Encode(TypeFileChunk, 1, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadMessage(t *testing.T) {
	codec := NewCodec()
	payload := []byte(`{"accepted":true}`)
	frame, err := codec.Encode(TypeConnectResponse, 3, payload)
	require.NoError(t, err)

	header, got, err := ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeConnectResponse, header.MsgType)
	assert.Equal(t, payload, got)

	// Two back-to-back frames read one at a time.
	second, err := codec.Encode(TypeHeartbeat, 3, nil)
	require.NoError(t, err)
	r := bytes.NewReader(append(append([]byte(nil), frame...), second...))

	h1, _, err := ReadMessage(r)
	require.NoError(t, err)
	h2, _, err := ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, TypeConnectResponse, h1.MsgType)
	assert.Equal(t, TypeHeartbeat, h2.MsgType)
}

func TestWriteMessage(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, TypeDisconnect, 9, []byte("{}")))

	header, payload, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeDisconnect, header.MsgType)
	assert.Equal(t, uint32(9), header.SessionID)
	assert.Equal(t, []byte("{}"), payload)
}
