package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livelab/internal/bridge"
)

// SessionInfo describes one connected browser.
type SessionInfo struct {
	// ID is the random session identifier, also attached to every log line.
	ID string `json:"id"`

	// RemoteAddr is the client address as seen by the HTTP server.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the socket was accepted.
	StartedAt time.Time `json:"started_at"`

	// State is the bridge lifecycle state at the time of the snapshot.
	State string `json:"state"`
}

type sessionEntry struct {
	info   SessionInfo
	bridge *bridge.Bridge
	cancel context.CancelFunc
}

// SessionManager tracks the browser sessions served by a [Server].
// All methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func newSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*sessionEntry)}
}

// tryAdd registers a session unless limit (> 0) sessions are already active.
func (m *SessionManager) tryAdd(info SessionInfo, br *bridge.Bridge, cancel context.CancelFunc, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && len(m.sessions) >= limit {
		return false
	}
	m.sessions[info.ID] = &sessionEntry{info: info, bridge: br, cancel: cancel}
	return true
}

func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of connected browsers.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns a snapshot of every session, oldest first.
func (m *SessionManager) List() []SessionInfo {
	m.mu.Lock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		info := e.info
		info.State = e.bridge.State().String()
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// closeAll cancels every session. Each handler then stops its bridge and
// closes its socket.
func (m *SessionManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sessions {
		e.cancel()
	}
}
