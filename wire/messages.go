package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"landrop/models"
)

// Message type codes. The gaps preserve room for the auth and multi-step
// transfer control codes of protocol revisions that collapsed into
// TransferControl.
const (
	TypeDiscoveryRequest  uint16 = 0x01
	TypeDiscoveryResponse uint16 = 0x02
	TypeConnectRequest    uint16 = 0x03
	TypeConnectResponse   uint16 = 0x04
	TypeFileRequest       uint16 = 0x11
	TypeFileResponse      uint16 = 0x12
	TypeFileChunk         uint16 = 0x13
	TypeFileAck           uint16 = 0x14
	TypeTransferControl   uint16 = 0x16
	TypeTransferComplete  uint16 = 0x19
	TypeError             uint16 = 0x20
	TypeHeartbeat         uint16 = 0x30
	TypeDisconnect        uint16 = 0x31
)

// TypeName returns a log-friendly name for a message type code.
func TypeName(msgType uint16) string {
	switch msgType {
	case TypeDiscoveryRequest:
		return "discovery_request"
	case TypeDiscoveryResponse:
		return "discovery_response"
	case TypeConnectRequest:
		return "connect_request"
	case TypeConnectResponse:
		return "connect_response"
	case TypeFileRequest:
		return "file_request"
	case TypeFileResponse:
		return "file_response"
	case TypeFileChunk:
		return "file_chunk"
	case TypeFileAck:
		return "file_ack"
	case TypeTransferControl:
		return "transfer_control"
	case TypeTransferComplete:
		return "transfer_complete"
	case TypeError:
		return "error"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(0x%02x)", msgType)
	}
}

// DiscoveryRequest announces the local device on the discovery port.
type DiscoveryRequest struct {
	DeviceID           string            `json:"device_id"`
	DeviceName         string            `json:"device_name"`
	DeviceType         models.DeviceType `json:"device_type"`
	ListenPort         int               `json:"listen_port"`
	SupportsEncryption bool              `json:"supports_encryption"`
	MaxChunkSize       int               `json:"max_chunk_size"`
}

// DiscoveryResponse answers a DiscoveryRequest with the responder's details.
type DiscoveryResponse struct {
	DeviceID           string            `json:"device_id"`
	DeviceName         string            `json:"device_name"`
	DeviceType         models.DeviceType `json:"device_type"`
	ListenPort         int               `json:"listen_port"`
	SupportsEncryption bool              `json:"supports_encryption"`
	MaxChunkSize       int               `json:"max_chunk_size"`
	AcceptsConnections bool              `json:"accepts_connections"`
}

// ConnectRequest opens a session with a listening device.
type ConnectRequest struct {
	DeviceID          string            `json:"device_id"`
	DeviceName        string            `json:"device_name"`
	DeviceType        models.DeviceType `json:"device_type"`
	ProtocolVersion   uint16            `json:"protocol_version"`
	RequestEncryption bool              `json:"request_encryption"`
	MaxChunkSize      int               `json:"max_chunk_size"`
}

// ConnectResponse accepts or rejects a ConnectRequest. On acceptance it
// carries the server-minted session id and token.
type ConnectResponse struct {
	Accepted          bool           `json:"accepted"`
	SessionID         uint32         `json:"session_id"`
	SessionToken      string         `json:"session_token"`
	EncryptionEnabled bool           `json:"encryption_enabled"`
	MaxChunkSize      int            `json:"max_chunk_size"`
	ErrorCode         models.ErrKind `json:"error_code"`
}

// FileRequest asks the receiving side to accept one file. The sender mints
// the transfer id; the response echoes it.
type FileRequest struct {
	TransferID     uint32          `json:"transfer_id"`
	FileInfo       models.FileInfo `json:"file_info"`
	ChunkSize      int             `json:"chunk_size"`
	ResumeTransfer bool            `json:"resume_transfer"`
	ResumeOffset   int64           `json:"resume_offset"`
}

// FileResponse accepts or rejects a FileRequest.
type FileResponse struct {
	Accepted   bool           `json:"accepted"`
	TransferID uint32         `json:"transfer_id"`
	FileSize   int64          `json:"file_size"`
	ChunkSize  int            `json:"chunk_size"`
	ErrorCode  models.ErrKind `json:"error_code"`
}

// FileAck confirms (or rejects) one received chunk.
type FileAck struct {
	TransferID    uint32         `json:"transfer_id"`
	ChunkOffset   int64          `json:"chunk_offset"`
	ChunkReceived bool           `json:"chunk_received"`
	ErrorCode     models.ErrKind `json:"error_code"`
}

// TransferControl pauses, resumes, or cancels an in-flight transfer.
type TransferControl struct {
	TransferID   uint32         `json:"transfer_id"`
	NewStatus    models.Status  `json:"new_status"`
	ResumeOffset int64          `json:"resume_offset"`
	ErrorCode    models.ErrKind `json:"error_code"`
}

// TransferComplete reports the final outcome of a transfer.
type TransferComplete struct {
	TransferID uint32         `json:"transfer_id"`
	Success    bool           `json:"success"`
	FileHash   uint32         `json:"file_hash"`
	ErrorCode  models.ErrKind `json:"error_code"`
}

// ErrorMessage reports a protocol-level error tied to a session or transfer.
type ErrorMessage struct {
	ErrorCode         models.ErrKind `json:"error_code"`
	Message           string         `json:"message"`
	RelatedSessionID  uint32         `json:"related_session_id"`
	RelatedTransferID uint32         `json:"related_transfer_id"`
}

// Heartbeat keeps an idle session alive and carries coarse transfer stats.
type Heartbeat struct {
	Timestamp          int64  `json:"timestamp"`
	ActiveTransfers    int    `json:"active_transfers"`
	TotalBytesSent     int64  `json:"total_bytes_sent"`
	TotalBytesReceived int64  `json:"total_bytes_received"`
}

// DisconnectNotice signals a graceful disconnect before the socket closes.
type DisconnectNotice struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// ChunkHeaderSize is the fixed binary prefix of a FileChunk payload; the raw
// chunk bytes follow immediately.
const ChunkHeaderSize = 21

// ChunkHeader is the binary prefix of a FileChunk payload.
type ChunkHeader struct {
	TransferID    uint32
	ChunkOffset   int64
	ChunkSize     int
	ChunkChecksum uint32
	IsLastChunk   bool
}

// MarshalChunk serializes a chunk header followed by its data bytes.
func MarshalChunk(header ChunkHeader, data []byte) []byte {
	buf := make([]byte, ChunkHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], header.TransferID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(header.ChunkOffset))
	binary.BigEndian.PutUint32(buf[12:16], uint32(header.ChunkSize))
	binary.BigEndian.PutUint32(buf[16:20], header.ChunkChecksum)
	if header.IsLastChunk {
		buf[20] = 1
	}
	copy(buf[ChunkHeaderSize:], data)
	return buf
}

// UnmarshalChunk splits a FileChunk payload into header and data bytes.
// The returned data slice aliases the input.
func UnmarshalChunk(payload []byte) (ChunkHeader, []byte, error) {
	if len(payload) < ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("%w: chunk payload of %d bytes", ErrTruncatedMessage, len(payload))
	}

	header := ChunkHeader{
		TransferID:    binary.BigEndian.Uint32(payload[0:4]),
		ChunkOffset:   int64(binary.BigEndian.Uint64(payload[4:12])),
		ChunkSize:     int(binary.BigEndian.Uint32(payload[12:16])),
		ChunkChecksum: binary.BigEndian.Uint32(payload[16:20]),
		IsLastChunk:   payload[20] == 1,
	}

	data := payload[ChunkHeaderSize:]
	if header.ChunkSize != len(data) {
		return ChunkHeader{}, nil, fmt.Errorf("%w: chunk header claims %d bytes, payload carries %d",
			ErrTruncatedMessage, header.ChunkSize, len(data))
	}
	return header, data, nil
}

// EncodePayload marshals a typed payload to its wire form.
func EncodePayload(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return payload, nil
}

// DecodePayload unmarshals a payload into a typed message.
func DecodePayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
