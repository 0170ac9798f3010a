// Package landrop implements LAN file drop: UDP broadcast device discovery
// and resumable chunked file transfer over TCP, composed behind a Manager
// facade with typed callbacks.
package landrop

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"landrop/config"
	"landrop/discovery"
	"landrop/models"
	"landrop/network"
	"landrop/storage"
)

var (
	// ErrNotStarted indicates the manager has not been started yet.
	ErrNotStarted = errors.New("landrop: manager not started")
	// ErrStopped indicates the manager was stopped and cannot restart.
	ErrStopped = errors.New("landrop: manager stopped")
)

// Manager ties discovery, connections, transfers, and history together. One
// Manager represents one device on the LAN.
//
// The zero value is not usable; construct with New. Operations before Start
// or after Stop fail gracefully with zero values.
type Manager struct {
	opts config.Options
	log  *logrus.Entry

	localMu sync.RWMutex
	local   models.DeviceInfo

	callbacks callbackSet

	mu      sync.Mutex
	started bool
	stopped bool

	disc    *discovery.Service
	mdns    *discovery.MDNSBackend
	conns   *network.ConnManager
	history *storage.Store
}

// New builds a manager for a device with the given name. An empty name falls
// back to the hostname. Options not set get protocol defaults.
func New(deviceName string, opts config.Options) (*Manager, error) {
	o := opts.WithDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if deviceName == "" {
		deviceName = models.DefaultDeviceName()
	}

	m := &Manager{
		opts: o,
		log:  logrus.WithField("component", "landrop"),
		local: models.DeviceInfo{
			DeviceID:     models.GenerateDeviceID(),
			DeviceName:   deviceName,
			DeviceType:   models.LocalDeviceType(),
			Port:         o.ListenPort,
			MaxChunkSize: o.ChunkSize,
		},
	}
	return m, nil
}

// LocalDevice returns the local device identity. The port is final only
// after Start.
func (m *Manager) LocalDevice() models.DeviceInfo {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.local
}

// SetDeviceID overrides the derived device id, for callers that persist one
// in a device config file. Must be called before Start.
func (m *Manager) SetDeviceID(deviceID string) {
	if deviceID == "" {
		return
	}
	m.localMu.Lock()
	m.local.DeviceID = deviceID
	m.localMu.Unlock()
}

// Start binds the TCP listener and the discovery socket and opens the
// history store. Passing port 0 binds an ephemeral port. Start is
// idempotent; a second call on a running manager does nothing.
func (m *Manager) Start(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}

	dsn := m.opts.HistoryDSN
	if dsn == "" {
		dsn = storage.MemoryDSN
	}
	history, err := storage.OpenDSN(dsn)
	if err != nil {
		return err
	}

	conns := network.NewConnManager(network.Options{
		LocalDevice:       m.LocalDevice,
		ConnectTimeout:    m.opts.ConnectTimeout,
		ReadTimeout:       m.opts.ReadTimeout,
		HeartbeatInterval: m.opts.HeartbeatInterval,
		AckTimeout:        m.opts.AckTimeout,
		MaxChunkRetries:   m.opts.MaxChunkRetries,
		ChunkSize:         m.opts.ChunkSize,
		MaxSessions:       m.opts.MaxSessions,
		SaveDir:           m.opts.SaveDir,
		Callbacks: network.Callbacks{
			DeviceConnected:    m.handleDeviceConnected,
			DeviceDisconnected: m.callbacks.fireDeviceDisconnected,
			Progress:           m.callbacks.fireProgress,
			Complete:           m.handleComplete,
			Error:              m.callbacks.fireError,
			FileReceiveRequest: m.callbacks.decideFileReceive,
		},
	})
	if err := conns.Start(port); err != nil {
		history.Close()
		return err
	}

	m.localMu.Lock()
	m.local.Port = conns.Port()
	local := m.local
	m.localMu.Unlock()

	disc, err := discovery.NewService(discovery.Config{
		LocalDevice:        local,
		DiscoveryPort:      m.opts.DiscoveryPort,
		BroadcastAddress:   m.opts.BroadcastAddress,
		BroadcastInterval:  m.opts.BroadcastInterval,
		ReadTimeout:        m.opts.ReadTimeout,
		StaleAfter:         m.opts.DeviceStaleAfter,
		MaxDevices:         m.opts.MaxDevices,
		OnDeviceDiscovered: m.handleDeviceDiscovered,
	})
	if err != nil {
		conns.Stop()
		history.Close()
		return err
	}
	if err := disc.Start(); err != nil {
		conns.Stop()
		history.Close()
		return err
	}

	// Trust marks survive restarts; the live directory does not.
	if trusted, err := history.ListTrusted(); err == nil {
		for _, device := range trusted {
			disc.Directory().SetTrusted(device.DeviceID, true)
		}
	}

	m.history = history
	m.conns = conns
	m.disc = disc
	m.started = true

	m.log.WithFields(logrus.Fields{
		"device_id": local.DeviceID,
		"port":      local.Port,
	}).Info("manager started")
	return nil
}

// Stop shuts everything down: discovery, connections (peers get disconnect
// notices), and the history store. A stopped manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	disc, mdns, conns, history := m.disc, m.mdns, m.conns, m.history
	m.mu.Unlock()

	if mdns != nil {
		mdns.Stop()
	}
	disc.Stop()
	conns.Stop()
	history.Close()
	m.log.Info("manager stopped")
}

// Port returns the bound TCP listen port, or 0 before Start.
func (m *Manager) Port() int {
	if c := m.connManager(); c != nil {
		return c.Port()
	}
	return 0
}

// StartDiscovery begins broadcasting the local device and, when mDNS is
// enabled, announces and browses the mDNS service too. Peers are answered
// and collected even before StartDiscovery; this only turns on active
// announcement.
func (m *Manager) StartDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return ErrNotStarted
	}

	m.disc.Enable()
	if m.opts.EnableMDNS && m.mdns == nil {
		mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
			LocalDevice:        m.LocalDevice(),
			OnDeviceDiscovered: m.handleDeviceDiscovered,
		}, m.disc.Directory())
		if err != nil {
			m.log.WithError(err).Warn("mDNS unavailable, continuing with UDP broadcast only")
		} else {
			m.mdns = mdns
		}
	}
	return nil
}

// StopDiscovery stops broadcasting. Known devices stay in the directory
// until they go stale.
func (m *Manager) StopDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.disc.Disable()
	if m.mdns != nil {
		m.mdns.Stop()
		m.mdns = nil
	}
}

// Devices returns the currently known devices, most recently seen first.
func (m *Manager) Devices() []models.DeviceInfo {
	if d := m.discService(); d != nil {
		return d.Directory().Snapshot()
	}
	return nil
}

// FindDevice looks a device up by id.
func (m *Manager) FindDevice(deviceID string) (models.DeviceInfo, bool) {
	if d := m.discService(); d != nil {
		return d.Directory().Find(deviceID)
	}
	return models.DeviceInfo{}, false
}

// ConnectToDevice establishes a session with a device and returns the
// session id, or 0 on failure. Connecting twice to the same device returns
// the existing session id.
func (m *Manager) ConnectToDevice(device models.DeviceInfo) uint32 {
	conns := m.connManager()
	if conns == nil {
		return 0
	}

	if device.IPAddress == "" {
		found, ok := m.FindDevice(device.DeviceID)
		if !ok {
			m.log.WithField("device_id", device.DeviceID).Warn("connect: device not in directory")
			return 0
		}
		device = found
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	sessionID, err := conns.Connect(ctx, device)
	if err != nil {
		m.log.WithError(err).WithField("device_id", device.DeviceID).Warn("connect failed")
		return 0
	}
	return sessionID
}

// DisconnectFromDevice tears down a session gracefully.
func (m *Manager) DisconnectFromDevice(sessionID uint32) bool {
	conns := m.connManager()
	if conns == nil {
		return false
	}
	return conns.Disconnect(sessionID) == nil
}

// IsConnectedToDevice reports whether a live session to the device exists.
func (m *Manager) IsConnectedToDevice(deviceID string) bool {
	conns := m.connManager()
	return conns != nil && conns.IsConnected(deviceID)
}

// SendFile queues one file on a session and returns its transfer id, or 0
// on failure. A checkpoint from an earlier interrupted send of the same file
// to the same device resumes where it left off.
func (m *Manager) SendFile(sessionID uint32, path string) uint32 {
	ids := m.SendFiles(sessionID, []string{path})
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}

// SendFiles queues several files on a session, transferred sequentially in
// order. It returns one transfer id per file, or nil on failure.
func (m *Manager) SendFiles(sessionID uint32, paths []string) []uint32 {
	conns := m.connManager()
	if conns == nil || len(paths) == 0 {
		return nil
	}

	resumeOffset := m.sendResumeOffset(sessionID, paths[0])

	ids, err := conns.Engine().Send(sessionID, paths, resumeOffset)
	if err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("send failed")
		return nil
	}
	return ids
}

// sendResumeOffset checks the checkpoint store for an interrupted send of
// the same file to the session's device.
func (m *Manager) sendResumeOffset(sessionID uint32, path string) int64 {
	history := m.historyStore()
	conns := m.connManager()
	if history == nil || conns == nil {
		return 0
	}
	session, ok := conns.Table().Get(sessionID)
	if !ok {
		return 0
	}

	checkpoint, err := history.GetCheckpoint(session.RemoteDevice.DeviceID, filepath.Base(path), storage.TransferDirectionSend)
	if err != nil {
		return 0
	}
	info, err := models.NewFileInfo(path)
	if err != nil || info.Size != checkpoint.Filesize {
		return 0
	}
	return checkpoint.BytesTransferred
}

// PauseTransfer suspends an in-flight transfer on either side.
func (m *Manager) PauseTransfer(transferID uint32) bool {
	conns := m.connManager()
	return conns != nil && conns.Engine().Pause(transferID) == nil
}

// ResumeTransfer continues a paused transfer.
func (m *Manager) ResumeTransfer(transferID uint32) bool {
	conns := m.connManager()
	return conns != nil && conns.Engine().Resume(transferID) == nil
}

// CancelTransfer stops a transfer permanently. Partial data stays on disk
// for a later resume.
func (m *Manager) CancelTransfer(transferID uint32) bool {
	conns := m.connManager()
	return conns != nil && conns.Engine().Cancel(transferID) == nil
}

// Sessions returns copies of all active sessions.
func (m *Manager) Sessions() []models.TransferSession {
	if c := m.connManager(); c != nil {
		return c.Table().List()
	}
	return nil
}

// Session returns a copy of one session.
func (m *Manager) Session(sessionID uint32) (models.TransferSession, bool) {
	if c := m.connManager(); c != nil {
		return c.Table().Get(sessionID)
	}
	return models.TransferSession{}, false
}

// TrustDevice marks a device trusted (or clears the mark). Trust persists in
// the history store when one is configured with a file DSN.
func (m *Manager) TrustDevice(deviceID string, trusted bool) error {
	history := m.historyStore()
	if history == nil {
		return ErrNotStarted
	}

	var err error
	if trusted {
		name := deviceID
		if device, ok := m.FindDevice(deviceID); ok {
			name = device.DeviceName
		}
		err = history.MarkTrusted(deviceID, name)
	} else {
		err = history.RemoveTrusted(deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if d := m.discService(); d != nil {
		d.Directory().SetTrusted(deviceID, trusted)
	}
	return nil
}

// History returns recent transfer records, newest first. A zero limit
// returns everything.
func (m *Manager) History(limit int) ([]storage.TransferRecord, error) {
	history := m.historyStore()
	if history == nil {
		return nil, ErrNotStarted
	}
	return history.ListTransfers("", limit)
}

func (m *Manager) handleDeviceDiscovered(device models.DeviceInfo) {
	if history := m.historyStore(); history != nil {
		if trusted, err := history.IsTrusted(device.DeviceID); err == nil && trusted {
			if d := m.discService(); d != nil {
				d.Directory().SetTrusted(device.DeviceID, true)
			}
		}
	}
	m.callbacks.fireDeviceDiscovered(device)
}

func (m *Manager) handleDeviceConnected(device models.DeviceInfo, sessionID uint32) {
	if history := m.historyStore(); history != nil {
		history.TouchTrusted(device.DeviceID)
	}
	m.callbacks.fireDeviceConnected(device, sessionID)
}

// handleComplete records history and maintains resume checkpoints before
// handing the event to the user callback. The session is still in the table
// at this point, even for connection-loss aborts.
func (m *Manager) handleComplete(sessionID uint32, success bool, kind models.ErrKind) {
	conns := m.connManager()
	history := m.historyStore()
	if conns != nil && history != nil {
		if session, ok := conns.Table().Get(sessionID); ok && session.FileInfo.Name != "" {
			m.recordOutcome(history, session, success, kind)
		}
	}
	m.callbacks.fireComplete(sessionID, success, kind)
}

func (m *Manager) recordOutcome(history *storage.Store, session models.TransferSession, success bool, kind models.ErrKind) {
	direction := storage.TransferDirectionSend
	if session.Direction == models.DirectionReceive {
		direction = storage.TransferDirectionReceive
	}

	status := storage.TransferStatusComplete
	errorKind := ""
	switch {
	case success:
	case kind == models.ErrTransferCancelled:
		status = storage.TransferStatusCancelled
	default:
		status = storage.TransferStatusFailed
		errorKind = kind.String()
	}

	if err := history.RecordTransfer(storage.TransferRecord{
		DeviceID:         session.RemoteDevice.DeviceID,
		DeviceName:       session.RemoteDevice.DeviceName,
		Filename:         session.FileInfo.Name,
		Filesize:         session.FileInfo.Size,
		Direction:        direction,
		Status:           status,
		ErrorKind:        errorKind,
		BytesTransferred: session.BytesTransferred,
		StartedAt:        session.StartTime,
	}); err != nil {
		m.log.WithError(err).Debug("record transfer history")
	}

	deviceID := session.RemoteDevice.DeviceID
	name := session.FileInfo.Name
	if success {
		history.DeleteCheckpoint(deviceID, name, direction)
		return
	}
	if session.BytesTransferred > 0 && session.BytesTransferred < session.TotalBytes {
		partPath := ""
		if direction == storage.TransferDirectionReceive {
			partPath = filepath.Join(m.opts.SaveDir, name) + network.PartSuffix
		}
		history.UpsertCheckpoint(storage.TransferCheckpoint{
			DeviceID:         deviceID,
			Filename:         name,
			Direction:        direction,
			Filesize:         session.TotalBytes,
			BytesTransferred: session.BytesTransferred,
			PartPath:         partPath,
		})
	}
}

func (m *Manager) connManager() *network.ConnManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	return m.conns
}

func (m *Manager) discService() *discovery.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	return m.disc
}

func (m *Manager) historyStore() *storage.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return nil
	}
	return m.history
}
