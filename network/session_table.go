package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"landrop/models"
)

var (
	// ErrSessionExists indicates an id collision with an active session.
	ErrSessionExists = errors.New("network: session id already active")
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("network: session not found")
	// ErrTableFull indicates the active-session cap was reached.
	ErrTableFull = errors.New("network: session table full")
	// ErrBadTransition indicates an illegal session status change.
	ErrBadTransition = errors.New("network: illegal status transition")
)

// SessionTable is the single source of truth for active transfer sessions.
// Sessions are copied in and out; mutation happens through Update or
// SetStatus under the table's lock, which is never held across network I/O.
type SessionTable struct {
	mu          sync.RWMutex
	maxSessions int
	sessions    map[uint32]*models.TransferSession
}

// NewSessionTable creates a table capped at maxSessions active entries.
func NewSessionTable(maxSessions int) *SessionTable {
	return &SessionTable{
		maxSessions: maxSessions,
		sessions:    make(map[uint32]*models.TransferSession),
	}
}

// Insert adds a new session. Ids must be unique among active sessions.
func (t *SessionTable) Insert(session models.TransferSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[session.SessionID]; exists {
		return fmt.Errorf("%w: %d", ErrSessionExists, session.SessionID)
	}
	if len(t.sessions) >= t.maxSessions {
		return ErrTableFull
	}

	stored := session
	t.sessions[session.SessionID] = &stored
	return nil
}

// Get returns a copy of a session.
func (t *SessionTable) Get(sessionID uint32) (models.TransferSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return models.TransferSession{}, false
	}
	return *session, true
}

// Update applies fn to a session under the table lock. fn must not block.
func (t *SessionTable) Update(sessionID uint32, fn func(*models.TransferSession)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	fn(session)
	return true
}

// SetStatus moves a session along the state machine, rejecting illegal
// edges.
func (t *SessionTable) SetStatus(sessionID uint32, next models.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if !session.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, session.Status, next)
	}
	session.Status = next
	return nil
}

// Reactivate returns a session whose last transfer finished to Connected so
// the live connection can carry another file. Disconnected sessions and
// sessions mid-transfer stay as they are.
func (t *SessionTable) Reactivate(sessionID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	switch session.Status {
	case models.StatusConnected:
		return nil
	case models.StatusCompleted, models.StatusCancelled, models.StatusError:
		session.Status = models.StatusConnected
		session.LastError = models.ErrNone
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, session.Status, models.StatusConnected)
	}
}

// Status returns a session's current status.
func (t *SessionTable) Status(sessionID uint32) (models.Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return models.StatusIdle, false
	}
	return session.Status, true
}

// Remove deletes a session and returns its final state.
func (t *SessionTable) Remove(sessionID uint32) (models.TransferSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return models.TransferSession{}, false
	}
	delete(t.sessions, sessionID)
	return *session, true
}

// List returns copies of all active sessions ordered by id.
func (t *SessionTable) List() []models.TransferSession {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.TransferSession, 0, len(t.sessions))
	for _, session := range t.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len returns the number of active sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// FindByDevice returns the first active session for a device id.
func (t *SessionTable) FindByDevice(deviceID string) (models.TransferSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, session := range t.sessions {
		if session.RemoteDevice.DeviceID == deviceID {
			return *session, true
		}
	}
	return models.TransferSession{}, false
}
