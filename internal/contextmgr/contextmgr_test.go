package contextmgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
)

type fakeWriter struct {
	mu       sync.Mutex
	writes   []string
	block    chan struct{}
	failNext bool
}

func (f *fakeWriter) Write(sessionID string, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("write failed")
	}
	f.writes = append(f.writes, sessionID+":"+string(data))
	return nil
}

func TestRefreshContextIssuesDirective(t *testing.T) {
	w := &fakeWriter{}
	m := New(w, config.BridgeConfig{ContextResetDirective: "/reset\n"})

	status, err := m.RefreshContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, status)
	assert.Equal(t, []string{"sess-1:/reset\n"}, w.writes)
}

func TestRefreshContextDefaultsDirectiveWhenEmpty(t *testing.T) {
	w := &fakeWriter{}
	m := New(w, config.BridgeConfig{})

	_, err := m.RefreshContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1:/compact\n"}, w.writes)
}

func TestRefreshContextSingleFlightPerSession(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := New(w, config.BridgeConfig{ContextResetDirective: "/reset\n"})

	done := make(chan RefreshStatus, 1)
	go func() {
		status, _ := m.RefreshContext("sess-1")
		done <- status
	}()

	// Give the first call time to register itself as in-flight.
	time.Sleep(20 * time.Millisecond)

	status, err := m.RefreshContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status, "second call while the first is outstanding must return immediately")

	close(w.block)
	assert.Equal(t, StatusIssued, <-done)
}

func TestRefreshContextIndependentAcrossSessions(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := New(w, config.BridgeConfig{ContextResetDirective: "/reset\n"})

	done := make(chan RefreshStatus, 1)
	go func() {
		status, _ := m.RefreshContext("sess-1")
		done <- status
	}()
	time.Sleep(20 * time.Millisecond)
	close(w.block)
	<-done

	status, err := m.RefreshContext("sess-2")
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, status)
}

func TestRefreshContextPropagatesWriteFailure(t *testing.T) {
	w := &fakeWriter{failNext: true}
	m := New(w, config.BridgeConfig{ContextResetDirective: "/reset\n"})

	status, err := m.RefreshContext("sess-1")
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, status)

	// The in-flight marker must clear even on failure, so a retry is possible.
	w.failNext = false
	status, err = m.RefreshContext("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, status)
}
