// Package contextmgr implements the context-reset directive issuer
// (C7): given a capability to write into a running session, it sends
// the configured reset directive and enforces single-flight per
// session.
package contextmgr

import (
	"fmt"
	"sync"

	"warden/internal/config"
	"warden/internal/logging"
)

// SessionWriter writes arbitrary bytes into a running session, e.g.
// a detachable terminal multiplexer's "send-keys" equivalent.
type SessionWriter interface {
	Write(sessionID string, data []byte) error
}

// RefreshStatus is the result of RefreshContext.
type RefreshStatus string

const (
	StatusIssued  RefreshStatus = "issued"
	StatusPending RefreshStatus = "pending"
	StatusFailed  RefreshStatus = "failed"
)

// Manager issues context-reset directives, one in flight per session
// at a time.
type Manager struct {
	writer    SessionWriter
	directive string

	mu        sync.Mutex
	inFlight  map[string]bool
}

// New builds a Manager. The directive is taken verbatim from
// config.BridgeConfig.ContextResetDirective and is written as-is,
// including its trailing commit character.
func New(writer SessionWriter, cfg config.BridgeConfig) *Manager {
	directive := cfg.ContextResetDirective
	if directive == "" {
		directive = "/compact\n"
	}
	return &Manager{
		writer:    writer,
		directive: directive,
		inFlight:  make(map[string]bool),
	}
}

// RefreshContext issues the context-reset directive for sessionID. A
// second call while the first is still outstanding returns
// (StatusPending, nil) immediately without writing anything.
func (m *Manager) RefreshContext(sessionID string) (RefreshStatus, error) {
	m.mu.Lock()
	if m.inFlight[sessionID] {
		m.mu.Unlock()
		return StatusPending, nil
	}
	m.inFlight[sessionID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, sessionID)
		m.mu.Unlock()
	}()

	if err := m.writer.Write(sessionID, []byte(m.directive)); err != nil {
		logging.ContextError("session %s: context reset failed: %v", sessionID, err)
		return StatusFailed, fmt.Errorf("contextmgr: refresh session %s: %w", sessionID, err)
	}

	logging.ContextDebug("session %s: context reset directive issued", sessionID)
	return StatusIssued, nil
}
