package landrop

import (
	"sync"

	"landrop/models"
)

// Callback signatures surfaced by the manager. All callbacks run on internal
// goroutines; implementations must not block and must not call back into the
// manager's blocking operations.
type (
	// DeviceDiscoveredFunc fires once per newly discovered device.
	DeviceDiscoveredFunc func(device models.DeviceInfo)
	// DeviceConnectedFunc fires when a session is established, on either side.
	DeviceConnectedFunc func(device models.DeviceInfo, sessionID uint32)
	// DeviceDisconnectedFunc fires when a connection closes for any reason.
	DeviceDisconnectedFunc func(device models.DeviceInfo, sessionID uint32)
	// ProgressFunc fires as transfer bytes are confirmed.
	ProgressFunc func(sessionID uint32, bytesTransferred, totalBytes int64, speed float64)
	// CompleteFunc fires once per finished transfer queue, success or not.
	CompleteFunc func(sessionID uint32, success bool, kind models.ErrKind)
	// ErrorFunc fires on transfer and protocol errors.
	ErrorFunc func(sessionID uint32, kind models.ErrKind, message string)
	// FileReceiveRequestFunc decides whether to accept an offered file.
	FileReceiveRequestFunc func(sender models.DeviceInfo, info models.FileInfo) bool
)

// callbackSet holds the user-installed callbacks behind one lock so setters
// are safe at any time, including while transfers run.
type callbackSet struct {
	mu sync.RWMutex

	deviceDiscovered   DeviceDiscoveredFunc
	deviceConnected    DeviceConnectedFunc
	deviceDisconnected DeviceDisconnectedFunc
	progress           ProgressFunc
	complete           CompleteFunc
	errorCb            ErrorFunc
	fileReceiveRequest FileReceiveRequestFunc
}

// OnDeviceDiscovered installs the discovery callback.
func (m *Manager) OnDeviceDiscovered(fn DeviceDiscoveredFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.deviceDiscovered = fn
	m.callbacks.mu.Unlock()
}

// OnDeviceConnected installs the connection callback.
func (m *Manager) OnDeviceConnected(fn DeviceConnectedFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.deviceConnected = fn
	m.callbacks.mu.Unlock()
}

// OnDeviceDisconnected installs the disconnection callback.
func (m *Manager) OnDeviceDisconnected(fn DeviceDisconnectedFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.deviceDisconnected = fn
	m.callbacks.mu.Unlock()
}

// OnProgress installs the transfer progress callback.
func (m *Manager) OnProgress(fn ProgressFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.progress = fn
	m.callbacks.mu.Unlock()
}

// OnComplete installs the transfer completion callback.
func (m *Manager) OnComplete(fn CompleteFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.complete = fn
	m.callbacks.mu.Unlock()
}

// OnError installs the error callback.
func (m *Manager) OnError(fn ErrorFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.errorCb = fn
	m.callbacks.mu.Unlock()
}

// OnFileReceiveRequest installs the incoming-file decision callback. Without
// one, every offered file is accepted.
func (m *Manager) OnFileReceiveRequest(fn FileReceiveRequestFunc) {
	m.callbacks.mu.Lock()
	m.callbacks.fileReceiveRequest = fn
	m.callbacks.mu.Unlock()
}

func (c *callbackSet) fireDeviceDiscovered(device models.DeviceInfo) {
	c.mu.RLock()
	fn := c.deviceDiscovered
	c.mu.RUnlock()
	if fn != nil {
		fn(device)
	}
}

func (c *callbackSet) fireDeviceConnected(device models.DeviceInfo, sessionID uint32) {
	c.mu.RLock()
	fn := c.deviceConnected
	c.mu.RUnlock()
	if fn != nil {
		fn(device, sessionID)
	}
}

func (c *callbackSet) fireDeviceDisconnected(device models.DeviceInfo, sessionID uint32) {
	c.mu.RLock()
	fn := c.deviceDisconnected
	c.mu.RUnlock()
	if fn != nil {
		fn(device, sessionID)
	}
}

func (c *callbackSet) fireProgress(sessionID uint32, bytesTransferred, totalBytes int64, speed float64) {
	c.mu.RLock()
	fn := c.progress
	c.mu.RUnlock()
	if fn != nil {
		fn(sessionID, bytesTransferred, totalBytes, speed)
	}
}

func (c *callbackSet) fireComplete(sessionID uint32, success bool, kind models.ErrKind) {
	c.mu.RLock()
	fn := c.complete
	c.mu.RUnlock()
	if fn != nil {
		fn(sessionID, success, kind)
	}
}

func (c *callbackSet) fireError(sessionID uint32, kind models.ErrKind, message string) {
	c.mu.RLock()
	fn := c.errorCb
	c.mu.RUnlock()
	if fn != nil {
		fn(sessionID, kind, message)
	}
}

func (c *callbackSet) decideFileReceive(sender models.DeviceInfo, info models.FileInfo) bool {
	c.mu.RLock()
	fn := c.fileReceiveRequest
	c.mu.RUnlock()
	if fn == nil {
		return true
	}
	return fn(sender, info)
}
