package network

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"landrop/models"
	"landrop/wire"
)

// link is one established connection to a remote device. Writes are
// serialized so frames from the heartbeat loop, the transfer engine, and
// control handlers never interleave on the socket.
type link struct {
	conn      net.Conn
	codec     *wire.Codec
	sessionID uint32
	device    models.DeviceInfo

	// encrypted records whether the handshake enabled the cipher hook.
	encrypted bool

	writeMu   sync.Mutex
	lastWrite atomic.Int64
	lastRead  atomic.Int64

	closeOnce sync.Once
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func newLink(conn net.Conn, sessionID uint32, device models.DeviceInfo, encrypted bool) *link {
	l := &link{
		conn:      conn,
		codec:     wire.NewCodec(),
		sessionID: sessionID,
		device:    device,
		encrypted: encrypted,
	}
	now := nowMilli()
	l.lastWrite.Store(now)
	l.lastRead.Store(now)
	return l
}

func (l *link) touchRead() {
	l.lastRead.Store(nowMilli())
}

// send frames a typed payload and writes it to the socket.
func (l *link) send(msgType uint16, v any) error {
	payload, err := wire.EncodePayload(v)
	if err != nil {
		return err
	}
	return l.sendRaw(msgType, payload)
}

// sendRaw frames pre-encoded payload bytes and writes them to the socket.
func (l *link) sendRaw(msgType uint16, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.codec.WriteMessage(l.conn, msgType, l.sessionID, payload); err != nil {
		return err
	}
	l.lastWrite.Store(nowMilli())
	return nil
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.conn.Close()
	})
}
