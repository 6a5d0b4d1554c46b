// Package runsummary implements the per-session event log and
// aggregated statistics tracker (C4). It is pure in-memory state: no
// I/O beyond the file-based logging package used for diagnostics.
package runsummary

import (
	"sync"
	"time"

	"warden/internal/logging"
)

// Severity classifies an Event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one entry in a tracker's FIFO-bounded log.
type Event struct {
	ID        int
	Timestamp time.Time
	Type      string
	Severity  Severity
	Title     string
	Details   string
	Metadata  map[string]any
}

// maxEvents is the FIFO cap; overflow trims to trimmedEvents.
const (
	maxEvents     = 1000
	trimmedEvents = 800
)

// watchdogInterval is how often the state-stuck watchdog checks the
// current state's age; stuckThreshold is how long a state must be
// held before a single warning event fires for it.
const (
	watchdogInterval = 60 * time.Second
	stuckThreshold   = 10 * time.Minute
)

// Stats holds the tracker's aggregated counters.
type Stats struct {
	StateTransitions   int
	TotalRespawnCycles int
	TokensIn           int64
	TokensOut          int64
	TokensTotal        int64
	TokensPeak         int64
	Warnings           int
	Errors             int
	AICheckCount       int
	TotalTimeActiveMs  int64
	TotalTimeIdleMs    int64
}

// baseState is the state recordStateChange treats as "watching" —
// entering it closes any open respawn cycle.
const baseState = "watching"

// respawnState is the state whose entry opens a respawn cycle.
const respawnState = "respawning"

// Tracker is the single-writer-per-session event log and stats
// accumulator described by C4.
type Tracker struct {
	SessionID   string
	SessionName string
	StartedAt   time.Time

	mu            sync.Mutex
	lastUpdatedAt time.Time
	events        []Event
	nextEventID   int
	stats         Stats

	currentState     string
	stateEnteredAt   time.Time
	stateWarned      bool
	respawnCycleOpen bool

	lastTokenMilestone int64

	active           bool
	lastFlipAt       time.Time

	watchdogInterval time.Duration
	stuckThreshold   time.Duration
	stopWatchdog     chan struct{}
	watchdogDone     chan struct{}
}

// New creates a Tracker and starts its state-stuck watchdog.
func New(sessionID, sessionName string) *Tracker {
	return newTracker(sessionID, sessionName, watchdogInterval, stuckThreshold)
}

func newTracker(sessionID, sessionName string, watchdogEvery, stuckAfter time.Duration) *Tracker {
	now := time.Now()
	t := &Tracker{
		SessionID:        sessionID,
		SessionName:      sessionName,
		StartedAt:        now,
		lastUpdatedAt:    now,
		currentState:     baseState,
		stateEnteredAt:   now,
		active:           false,
		lastFlipAt:       now,
		watchdogInterval: watchdogEvery,
		stuckThreshold:   stuckAfter,
		stopWatchdog:     make(chan struct{}),
		watchdogDone:     make(chan struct{}),
	}
	go t.runWatchdog()
	return t
}

// Close stops the state-stuck watchdog. Safe to call once.
func (t *Tracker) Close() {
	close(t.stopWatchdog)
	<-t.watchdogDone
}

// AddEvent appends an event, trimming the oldest entries to
// trimmedEvents once the log exceeds maxEvents.
func (t *Tracker) AddEvent(eventType string, severity Severity, title, details string, metadata map[string]any) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addEventLocked(eventType, severity, title, details, metadata)
}

func (t *Tracker) addEventLocked(eventType string, severity Severity, title, details string, metadata map[string]any) Event {
	t.nextEventID++
	e := Event{
		ID:        t.nextEventID,
		Timestamp: time.Now(),
		Type:      eventType,
		Severity:  severity,
		Title:     title,
		Details:   details,
		Metadata:  metadata,
	}
	t.events = append(t.events, e)
	if len(t.events) > maxEvents {
		overflow := len(t.events) - trimmedEvents
		t.events = append([]Event(nil), t.events[overflow:]...)
	}

	switch severity {
	case SeverityWarning:
		t.stats.Warnings++
	case SeverityError:
		t.stats.Errors++
	}

	t.lastUpdatedAt = time.Now()
	return e
}

// Events returns a copy of the current event log.
func (t *Tracker) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Stats returns a copy of the current aggregated stats.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// RecordStateChange bumps stateTransitions and manages respawn-cycle
// bookkeeping. Duplicate transitions (new == current) are ignored.
func (t *Tracker) RecordStateChange(newState string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if newState == t.currentState {
		return
	}

	t.stats.StateTransitions++

	if newState == respawnState {
		t.respawnCycleOpen = true
	} else if newState == baseState && t.respawnCycleOpen {
		t.respawnCycleOpen = false
		t.stats.TotalRespawnCycles++
	}

	t.currentState = newState
	t.stateEnteredAt = time.Now()
	t.stateWarned = false
	t.lastUpdatedAt = time.Now()
}

// RecordTokens updates token totals and peak, emitting a
// token_milestone event each time floor(total/50000) advances.
func (t *Tracker) RecordTokens(in, out int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TokensIn += in
	t.stats.TokensOut += out
	t.stats.TokensTotal += in + out
	if t.stats.TokensTotal > t.stats.TokensPeak {
		t.stats.TokensPeak = t.stats.TokensTotal
	}

	const milestoneSize = 50_000
	milestone := t.stats.TokensTotal / milestoneSize
	if milestone > t.lastTokenMilestone {
		t.lastTokenMilestone = milestone
		t.addEventLocked("token_milestone", SeverityInfo, "token milestone reached", "", map[string]any{
			"total": milestone * milestoneSize,
		})
	}
}

// RecordIdle marks the session as idle, accumulating active time
// since the last flip.
func (t *Tracker) RecordIdle() {
	t.flip(false)
}

// RecordWorking marks the session as active, accumulating idle time
// since the last flip.
func (t *Tracker) RecordWorking() {
	t.flip(true)
}

func (t *Tracker) flip(toActive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == toActive {
		return
	}

	now := time.Now()
	elapsed := now.Sub(t.lastFlipAt).Milliseconds()
	if t.active {
		t.stats.TotalTimeActiveMs += elapsed
	} else {
		t.stats.TotalTimeIdleMs += elapsed
	}

	t.active = toActive
	t.lastFlipAt = now
}

// RecordAICheck bumps the aiCheckCount counter.
func (t *Tracker) RecordAICheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.AICheckCount++
}

func (t *Tracker) runWatchdog() {
	defer close(t.watchdogDone)
	ticker := time.NewTicker(t.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopWatchdog:
			return
		case <-ticker.C:
			t.checkStuck()
		}
	}
}

func (t *Tracker) checkStuck() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stateWarned {
		return
	}
	if time.Since(t.stateEnteredAt) < t.stuckThreshold {
		return
	}

	t.stateWarned = true
	logging.SummaryWarn("session %s stuck in state %q for over %s", t.SessionID, t.currentState, t.stuckThreshold)
	t.addEventLocked("state_stuck", SeverityWarning,
		"state held longer than expected",
		"state: "+t.currentState, nil)
}
