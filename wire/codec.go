package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	// Magic identifies a protocol frame ("FTRP").
	Magic uint32 = 0x46545250
	// Version is the current wire protocol version.
	Version uint16 = 1
	// HeaderSize is the fixed encoded header length in bytes.
	HeaderSize = 32
	// MaxPayloadSize bounds one message payload (chunk header + chunk data
	// for the largest permitted chunk, with headroom for framed metadata).
	MaxPayloadSize = 2 * 1024 * 1024
)

var (
	// ErrBadMagic indicates the frame does not start with the protocol magic.
	ErrBadMagic = errors.New("wire: bad magic number")
	// ErrUnsupportedVersion indicates a protocol version mismatch.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrChecksumMismatch indicates payload corruption.
	ErrChecksumMismatch = errors.New("wire: payload checksum mismatch")
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds max size")
	// ErrTruncatedMessage indicates a payload shorter than its header claims.
	ErrTruncatedMessage = errors.New("wire: truncated message")
)

// Header is the fixed-size message header preceding every payload.
type Header struct {
	Magic      uint32
	Version    uint16
	MsgType    uint16
	MessageID  uint32
	SessionID  uint32
	DataLength uint32
	Checksum   uint32
	Timestamp  uint64
}

// Codec frames and validates protocol messages. Message ids increase
// monotonically per codec instance.
type Codec struct {
	nextMessageID atomic.Uint32
}

// NewCodec returns a codec with a fresh message id sequence.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode frames a payload: header with a freshly computed checksum and the
// next message id, followed by the payload bytes.
func (c *Codec) Encode(msgType uint16, sessionID uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	header := Header{
		Magic:      Magic,
		Version:    Version,
		MsgType:    msgType,
		MessageID:  c.nextMessageID.Add(1),
		SessionID:  sessionID,
		DataLength: uint32(len(payload)),
		Checksum:   Checksum(payload),
		Timestamp:  uint64(time.Now().UnixMilli()),
	}

	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, header)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeMessage marshals a typed payload and frames it.
func (c *Codec) EncodeMessage(msgType uint16, sessionID uint32, v any) ([]byte, error) {
	payload, err := EncodePayload(v)
	if err != nil {
		return nil, err
	}
	return c.Encode(msgType, sessionID, payload)
}

// DecodeHeader parses and validates the fixed header. Magic and version are
// checked before anything else is trusted.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header of %d bytes", ErrTruncatedMessage, len(buf))
	}

	header := Header{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Version:    binary.BigEndian.Uint16(buf[4:6]),
		MsgType:    binary.BigEndian.Uint16(buf[6:8]),
		MessageID:  binary.BigEndian.Uint32(buf[8:12]),
		SessionID:  binary.BigEndian.Uint32(buf[12:16]),
		DataLength: binary.BigEndian.Uint32(buf[16:20]),
		Checksum:   binary.BigEndian.Uint32(buf[20:24]),
		Timestamp:  binary.BigEndian.Uint64(buf[24:32]),
	}

	if header.Magic != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, header.Magic)
	}
	if header.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
	if header.DataLength > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: header claims %d bytes", ErrPayloadTooLarge, header.DataLength)
	}
	return header, nil
}

// VerifyPayload checks a payload against its header's length and checksum.
func VerifyPayload(header Header, payload []byte) error {
	if uint32(len(payload)) != header.DataLength {
		return fmt.Errorf("%w: header claims %d bytes, payload carries %d",
			ErrTruncatedMessage, header.DataLength, len(payload))
	}
	if Checksum(payload) != header.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Decode validates a complete frame and returns its header and payload.
// The payload slice aliases the input buffer.
func Decode(buf []byte) (Header, []byte, error) {
	header, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}

	payload := buf[HeaderSize:]
	if err := VerifyPayload(header, payload); err != nil {
		return Header{}, nil, err
	}
	return header, payload, nil
}

// ReadMessage reads exactly one framed message from r: the fixed header,
// then DataLength payload bytes. Partial messages are never surfaced.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}

	header, err := DecodeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	payload := make([]byte, header.DataLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("read payload: %w", err)
	}

	if err := VerifyPayload(header, payload); err != nil {
		return Header{}, nil, err
	}
	return header, payload, nil
}

// WriteMessage frames a payload and writes it to w in one call.
func (c *Codec) WriteMessage(w io.Writer, msgType uint16, sessionID uint32, payload []byte) error {
	frame, err := c.Encode(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func putHeader(buf []byte, header Header) {
	binary.BigEndian.PutUint32(buf[0:4], header.Magic)
	binary.BigEndian.PutUint16(buf[4:6], header.Version)
	binary.BigEndian.PutUint16(buf[6:8], header.MsgType)
	binary.BigEndian.PutUint32(buf[8:12], header.MessageID)
	binary.BigEndian.PutUint32(buf[12:16], header.SessionID)
	binary.BigEndian.PutUint32(buf[16:20], header.DataLength)
	binary.BigEndian.PutUint32(buf[20:24], header.Checksum)
	binary.BigEndian.PutUint64(buf[24:32], header.Timestamp)
}
