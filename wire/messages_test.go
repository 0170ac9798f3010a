package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landrop/models"
)

func TestChunkRoundTrip(t *testing.T) {
	data := []byte("chunk data bytes")
	header := ChunkHeader{
		TransferID:    42,
		ChunkOffset:   1 << 33,
		ChunkSize:     len(data),
		ChunkChecksum: Checksum(data),
		IsLastChunk:   true,
	}

	payload := MarshalChunk(header, data)
	require.Len(t, payload, ChunkHeaderSize+len(data))

	got, gotData, err := UnmarshalChunk(payload)
	require.NoError(t, err)
	assert.Equal(t, header, got)
	assert.Equal(t, data, gotData)
}

func TestUnmarshalChunkErrors(t *testing.T) {
	t.Run("short payload", func(t *testing.T) {
		_, _, err := UnmarshalChunk(make([]byte, ChunkHeaderSize-1))
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})

	t.Run("size mismatch", func(t *testing.T) {
		payload := MarshalChunk(ChunkHeader{TransferID: 1, ChunkSize: 4}, []byte("data"))
		_, _, err := UnmarshalChunk(payload[:len(payload)-1])
		assert.ErrorIs(t, err, ErrTruncatedMessage)
	})
}

func TestEmptyLastChunk(t *testing.T) {
	// Zero-byte files send exactly one empty last chunk.
	payload := MarshalChunk(ChunkHeader{TransferID: 7, IsLastChunk: true}, nil)
	header, data, err := UnmarshalChunk(payload)
	require.NoError(t, err)
	assert.True(t, header.IsLastChunk)
	assert.Empty(t, data)
}

func TestPayloadCodecPreservesErrKind(t *testing.T) {
	in := FileAck{
		TransferID:    3,
		ChunkOffset:   65536,
		ChunkReceived: false,
		ErrorCode:     models.ErrChecksumMismatch,
	}

	raw, err := EncodePayload(in)
	require.NoError(t, err)

	var out FileAck
	require.NoError(t, DecodePayload(raw, &out))
	assert.Equal(t, in, out)
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	var resp ConnectResponse
	assert.Error(t, DecodePayload([]byte("{not json"), &resp))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "file_chunk", TypeName(TypeFileChunk))
	assert.Equal(t, "heartbeat", TypeName(TypeHeartbeat))
	assert.Contains(t, TypeName(0xEE), "unknown")
}
