package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"landrop/models"
	"landrop/wire"
)

var (
	// ErrNotConnected indicates there is no active connection to the device.
	ErrNotConnected = errors.New("network: not connected to device")
	// ErrManagerStopped indicates the connection manager has shut down.
	ErrManagerStopped = errors.New("network: connection manager stopped")
)

// ConnManager owns the TCP listener, all established connections, and the
// session table. Each connection gets one reader goroutine; writes go through
// the link's serialized send path. Heartbeats ride on the read loop's
// timeout ticks, so an idle connection needs no extra goroutine.
type ConnManager struct {
	opts   Options
	log    *logrus.Entry
	table  *SessionTable
	engine *TransferEngine

	listener net.Listener

	mu       sync.Mutex
	links    map[uint32]*link
	byDevice map[string]uint32

	// sessionSeq starts at a random point so ids minted by independent
	// managers on the same LAN rarely collide.
	sessionSeq atomic.Uint32

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnManager builds a manager from the given options. Start must be
// called before it accepts or initiates connections.
func NewConnManager(opts Options) *ConnManager {
	o := opts.withDefaults()
	m := &ConnManager{
		opts:     o,
		log:      o.Logger,
		table:    NewSessionTable(o.MaxSessions),
		links:    make(map[uint32]*link),
		byDevice: make(map[string]uint32),
		closed:   make(chan struct{}),
	}
	m.sessionSeq.Store(rand.Uint32())
	m.engine = newTransferEngine(m)
	return m
}

// Table exposes the active-session table.
func (m *ConnManager) Table() *SessionTable {
	return m.table
}

// Engine exposes the transfer engine bound to this manager.
func (m *ConnManager) Engine() *TransferEngine {
	return m.engine
}

// Start binds the TCP listener and begins accepting connections. Pass port 0
// to bind an ephemeral port; Port reports the bound port afterwards.
func (m *ConnManager) Start(port int) error {
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	m.listener = listener

	m.wg.Add(1)
	go m.acceptLoop()

	m.log.WithField("addr", listener.Addr().String()).Info("listening for connections")
	return nil
}

// Port returns the bound listen port, or 0 before Start.
func (m *ConnManager) Port() int {
	if m.listener == nil {
		return 0
	}
	if addr, ok := m.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes the listener and every connection, then waits for all
// connection goroutines to drain. Peers get a disconnect notice first.
func (m *ConnManager) Stop() {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.listener != nil {
			m.listener.Close()
		}

		m.mu.Lock()
		links := make([]*link, 0, len(m.links))
		for _, l := range m.links {
			links = append(links, l)
		}
		m.mu.Unlock()

		local := m.opts.LocalDevice()
		for _, l := range links {
			l.send(wire.TypeDisconnect, wire.DisconnectNotice{
				DeviceID: local.DeviceID,
				Reason:   "shutting down",
			})
			l.close()
		}
	})
	m.wg.Wait()
}

func (m *ConnManager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.WithError(err).Warn("accept failed")
			continue
		}

		m.wg.Add(1)
		go m.handleIncoming(conn)
	}
}

// handleIncoming performs the server side of the handshake: read exactly one
// ConnectRequest, validate it, mint a session, reply, then hand the
// connection to the read loop.
func (m *ConnManager) handleIncoming(conn net.Conn) {
	defer m.wg.Done()

	reject := func(kind models.ErrKind) {
		payload, err := wire.EncodePayload(wire.ConnectResponse{Accepted: false, ErrorCode: kind})
		if err == nil {
			wire.NewCodec().WriteMessage(conn, wire.TypeConnectResponse, 0, payload)
		}
		conn.Close()
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.ConnectTimeout))
	header, payload, err := wire.ReadMessage(conn)
	if err != nil || header.MsgType != wire.TypeConnectRequest {
		m.log.WithError(err).Debug("handshake read failed")
		conn.Close()
		return
	}

	var req wire.ConnectRequest
	if err := wire.DecodePayload(payload, &req); err != nil {
		reject(models.ErrInvalidRequest)
		return
	}
	if req.ProtocolVersion != wire.Version {
		m.log.WithFields(logrus.Fields{
			"device_id": req.DeviceID,
			"version":   req.ProtocolVersion,
		}).Warn("rejecting connection with unsupported protocol version")
		reject(models.ErrUnsupportedVersion)
		return
	}
	if req.DeviceID == "" {
		reject(models.ErrInvalidRequest)
		return
	}
	if m.table.Len() >= m.opts.MaxSessions {
		reject(models.ErrInvalidRequest)
		return
	}

	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}

	now := nowMilli()
	device := models.DeviceInfo{
		DeviceID:           req.DeviceID,
		DeviceName:         req.DeviceName,
		DeviceType:         req.DeviceType,
		IPAddress:          remoteHost,
		LastSeen:           now,
		SupportsEncryption: req.RequestEncryption,
		MaxChunkSize:       req.MaxChunkSize,
	}

	chunkSize := m.opts.ChunkSize
	if req.MaxChunkSize > 0 && req.MaxChunkSize < chunkSize {
		chunkSize = req.MaxChunkSize
	}
	encrypted := req.RequestEncryption && m.opts.Cipher != nil

	token := uuid.NewString()
	var sessionID uint32
	for {
		sessionID = m.sessionSeq.Add(1)
		err := m.table.Insert(models.TransferSession{
			SessionID:        sessionID,
			SessionToken:     token,
			RemoteDevice:     device,
			Status:           models.StatusConnected,
			ChunkSize:        chunkSize,
			StartTime:        now,
			LastActivityTime: now,
		})
		if err == nil {
			break
		}
		if errors.Is(err, ErrSessionExists) {
			continue
		}
		reject(models.ErrInvalidRequest)
		return
	}

	l := newLink(conn, sessionID, device, encrypted)
	if err := l.send(wire.TypeConnectResponse, wire.ConnectResponse{
		Accepted:          true,
		SessionID:         sessionID,
		SessionToken:      token,
		EncryptionEnabled: encrypted,
		MaxChunkSize:      chunkSize,
	}); err != nil {
		m.table.Remove(sessionID)
		conn.Close()
		return
	}

	m.register(l)
	m.log.WithFields(logrus.Fields{
		"device_id":  device.DeviceID,
		"session_id": sessionID,
		"addr":       conn.RemoteAddr().String(),
	}).Info("accepted connection")

	if cb := m.opts.Callbacks.DeviceConnected; cb != nil {
		cb(device, sessionID)
	}

	m.wg.Add(1)
	go m.readLoop(l)
}

// Connect dials a device and performs the client side of the handshake.
// Connecting to an already-connected device returns the existing session id.
func (m *ConnManager) Connect(ctx context.Context, device models.DeviceInfo) (uint32, error) {
	select {
	case <-m.closed:
		return 0, ErrManagerStopped
	default:
	}

	m.mu.Lock()
	if sessionID, ok := m.byDevice[device.DeviceID]; ok {
		m.mu.Unlock()
		return sessionID, nil
	}
	m.mu.Unlock()

	dialer := net.Dialer{Timeout: m.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", device.Addr())
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, models.NewKindError(models.ErrConnectionTimeout, "dial %s: %v", device.Addr(), err)
		}
		return 0, models.NewKindError(models.ErrNetworkFailure, "dial %s: %v", device.Addr(), err)
	}

	local := m.opts.LocalDevice()
	codec := wire.NewCodec()
	reqPayload, err := wire.EncodePayload(wire.ConnectRequest{
		DeviceID:          local.DeviceID,
		DeviceName:        local.DeviceName,
		DeviceType:        local.DeviceType,
		ProtocolVersion:   wire.Version,
		RequestEncryption: m.opts.Cipher != nil,
		MaxChunkSize:      m.opts.ChunkSize,
	})
	if err != nil {
		conn.Close()
		return 0, err
	}
	if err := codec.WriteMessage(conn, wire.TypeConnectRequest, 0, reqPayload); err != nil {
		conn.Close()
		return 0, models.NewKindError(models.ErrNetworkFailure, "send connect request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.ConnectTimeout))
	header, payload, err := wire.ReadMessage(conn)
	if err != nil {
		conn.Close()
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, models.NewKindError(models.ErrConnectionTimeout, "no connect response from %s", device.Addr())
		}
		return 0, models.NewKindError(models.ErrNetworkFailure, "read connect response: %v", err)
	}
	if header.MsgType != wire.TypeConnectResponse {
		conn.Close()
		return 0, models.NewKindError(models.ErrProtocolError, "expected connect response, got %s", wire.TypeName(header.MsgType))
	}

	var resp wire.ConnectResponse
	if err := wire.DecodePayload(payload, &resp); err != nil {
		conn.Close()
		return 0, models.NewKindError(models.ErrProtocolError, "malformed connect response: %v", err)
	}
	if !resp.Accepted {
		conn.Close()
		kind := resp.ErrorCode
		if kind == models.ErrNone {
			kind = models.ErrInvalidRequest
		}
		return 0, models.NewKindError(kind, "connection rejected by %s", device.DeviceID)
	}

	chunkSize := resp.MaxChunkSize
	if chunkSize <= 0 {
		chunkSize = m.opts.ChunkSize
	}

	now := nowMilli()
	if err := m.table.Insert(models.TransferSession{
		SessionID:        resp.SessionID,
		SessionToken:     resp.SessionToken,
		RemoteDevice:     device,
		Status:           models.StatusConnected,
		ChunkSize:        chunkSize,
		StartTime:        now,
		LastActivityTime: now,
	}); err != nil {
		conn.Close()
		return 0, models.NewKindError(models.ErrProtocolError, "register session %d: %v", resp.SessionID, err)
	}

	l := newLink(conn, resp.SessionID, device, resp.EncryptionEnabled && m.opts.Cipher != nil)
	m.register(l)
	m.log.WithFields(logrus.Fields{
		"device_id":  device.DeviceID,
		"session_id": resp.SessionID,
		"addr":       device.Addr(),
	}).Info("connected to device")

	if cb := m.opts.Callbacks.DeviceConnected; cb != nil {
		cb(device, resp.SessionID)
	}

	m.wg.Add(1)
	go m.readLoop(l)
	return resp.SessionID, nil
}

// Disconnect tears down the connection behind a session, notifying the peer
// first.
func (m *ConnManager) Disconnect(sessionID uint32) error {
	l, ok := m.linkFor(sessionID)
	if !ok {
		return ErrNotConnected
	}

	local := m.opts.LocalDevice()
	l.send(wire.TypeDisconnect, wire.DisconnectNotice{
		DeviceID: local.DeviceID,
		Reason:   "disconnect requested",
	})
	m.teardown(l, models.ErrNone, "local disconnect")
	return nil
}

// DisconnectDevice tears down the connection to a device by id.
func (m *ConnManager) DisconnectDevice(deviceID string) error {
	m.mu.Lock()
	sessionID, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return m.Disconnect(sessionID)
}

// IsConnected reports whether a live connection to the device exists.
func (m *ConnManager) IsConnected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDevice[deviceID]
	return ok
}

// SessionForDevice returns the session id of the connection to a device.
func (m *ConnManager) SessionForDevice(deviceID string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.byDevice[deviceID]
	return sessionID, ok
}

func (m *ConnManager) register(l *link) {
	m.mu.Lock()
	m.links[l.sessionID] = l
	m.byDevice[l.device.DeviceID] = l.sessionID
	m.mu.Unlock()
}

func (m *ConnManager) linkFor(sessionID uint32) (*link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[sessionID]
	return l, ok
}

// readLoop is the single reader for one connection. Read deadlines keep the
// loop ticking so it can send heartbeats and notice dead peers without a
// separate timer goroutine.
func (m *ConnManager) readLoop(l *link) {
	defer m.wg.Done()

	for {
		l.conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		header, payload, err := wire.ReadMessage(l.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if m.maintain(l) {
					continue
				}
				m.teardown(l, models.ErrConnectionTimeout, "peer stopped responding")
				return
			}

			select {
			case <-m.closed:
				m.teardown(l, models.ErrNone, "shutting down")
				return
			default:
			}

			switch {
			case errors.Is(err, wire.ErrBadMagic),
				errors.Is(err, wire.ErrUnsupportedVersion),
				errors.Is(err, wire.ErrChecksumMismatch),
				errors.Is(err, wire.ErrPayloadTooLarge),
				errors.Is(err, wire.ErrTruncatedMessage):
				// Framing is lost; nothing further on this stream can be
				// trusted.
				m.teardown(l, models.ErrProtocolError, err.Error())
			default:
				m.teardown(l, models.ErrNetworkFailure, "connection lost")
			}
			return
		}

		l.touchRead()
		if !m.dispatch(l, header, payload) {
			return
		}
	}
}

// maintain runs on read-timeout ticks. It reports false once the peer has
// been silent past the dead-peer threshold.
func (m *ConnManager) maintain(l *link) bool {
	now := nowMilli()
	if now-l.lastRead.Load() > 2*m.opts.HeartbeatInterval.Milliseconds() {
		return false
	}
	if now-l.lastWrite.Load() >= m.opts.HeartbeatInterval.Milliseconds() {
		active, sent, received := m.engine.stats()
		l.send(wire.TypeHeartbeat, wire.Heartbeat{
			Timestamp:          now,
			ActiveTransfers:    active,
			TotalBytesSent:     sent,
			TotalBytesReceived: received,
		})
	}
	return true
}

// dispatch routes one message. It returns false when the connection is done.
func (m *ConnManager) dispatch(l *link, header wire.Header, payload []byte) bool {
	switch header.MsgType {
	case wire.TypeHeartbeat:
		// Keepalive; lastRead is already refreshed.
	case wire.TypeDisconnect:
		var notice wire.DisconnectNotice
		wire.DecodePayload(payload, &notice)
		m.log.WithFields(logrus.Fields{
			"device_id": l.device.DeviceID,
			"reason":    notice.Reason,
		}).Info("peer disconnected")
		m.teardown(l, models.ErrNone, "peer disconnect")
		return false
	case wire.TypeFileRequest:
		m.engine.handleFileRequest(l, payload)
	case wire.TypeFileResponse:
		m.engine.handleFileResponse(l, payload)
	case wire.TypeFileChunk:
		m.engine.handleChunk(l, payload)
	case wire.TypeFileAck:
		m.engine.handleAck(l, payload)
	case wire.TypeTransferControl:
		m.engine.handleControl(l, payload)
	case wire.TypeTransferComplete:
		m.engine.handleComplete(l, payload)
	case wire.TypeError:
		m.engine.handleErrorMessage(l, payload)
	default:
		m.log.WithFields(logrus.Fields{
			"msg_type":   wire.TypeName(header.MsgType),
			"session_id": header.SessionID,
		}).Warn("dropping message of unknown type")
	}
	return true
}

// teardown removes a connection exactly once: aborts its transfers, closes
// the socket, drops the session, and notifies the facade.
func (m *ConnManager) teardown(l *link, kind models.ErrKind, reason string) {
	m.mu.Lock()
	if _, ok := m.links[l.sessionID]; !ok {
		m.mu.Unlock()
		l.close()
		return
	}
	delete(m.links, l.sessionID)
	if sessionID, ok := m.byDevice[l.device.DeviceID]; ok && sessionID == l.sessionID {
		delete(m.byDevice, l.device.DeviceID)
	}
	m.mu.Unlock()

	l.close()

	// Let an aborted send queue run its failure callbacks while the session
	// is still in the table, so the facade can snapshot it.
	done := m.engine.outboundDone(l.sessionID)
	m.engine.abortForSession(l.sessionID, kind)
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	m.table.Remove(l.sessionID)

	m.log.WithFields(logrus.Fields{
		"device_id":  l.device.DeviceID,
		"session_id": l.sessionID,
		"reason":     reason,
	}).Info("connection closed")

	if cb := m.opts.Callbacks.DeviceDisconnected; cb != nil {
		cb(l.device, l.sessionID)
	}
}
