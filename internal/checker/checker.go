// Package checker implements the generic verdict-polling state machine
// (C3): idle-checking and plan-checking are both instantiations of the
// same Checker type, configured with different prompts, verdict
// tokens, and timings.
package checker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/probe"
)

// Status is the checker's lifecycle state.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCooldown
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCooldown:
		return "cooldown"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Prober is the C2 seam: anything that can run a probe and return its
// raw output.
type Prober interface {
	Run(ctx context.Context, sessionID, prompt, model string, timeoutMs int, screenPrefix string) (string, error)
}

// Event is emitted on the checker's event stream. Which payload fields
// are set depends on Kind: completed carries Verdict, Reasoning and
// DurationMs; failed and disabled carry Reason; cooldownStarted carries
// EndsAt.
type Event struct {
	Kind      string // started | completed | failed | cooldownStarted | cooldownEnded | disabled
	Verdict   string
	Reasoning string
	DurationMs int64
	Reason    string
	EndsAt    time.Time
}

// Domain configures one instantiation of the checker (idle or plan).
type Domain struct {
	Name           string // used in screen names and log lines
	PromptTemplate string // must contain a single "%s" for the buffer tail
	VerdictTokens  []string
	ScreenPrefix   string
}

// IdleDomain is the idle-check instantiation: asks for IDLE or WORKING.
var IdleDomain = Domain{
	Name:          "idle",
	PromptTemplate: "Looking at the terminal output below, answer with exactly one word on the first line: IDLE if the session is waiting for input, or WORKING if it is actively producing output. Then explain briefly.\n\n%s",
	VerdictTokens: []string{"IDLE", "WORKING"},
	ScreenPrefix:  "warden-idle",
}

// PlanDomain is the plan-check instantiation: asks for PLAN_MODE or NOT_PLAN_MODE.
var PlanDomain = Domain{
	Name:          "plan",
	PromptTemplate: "Looking at the terminal output below, answer with exactly one word on the first line: PLAN_MODE if the session is presenting a plan for approval, or NOT_PLAN_MODE otherwise. Then explain briefly.\n\n%s",
	VerdictTokens: []string{"PLAN_MODE", "NOT_PLAN_MODE"},
	ScreenPrefix:  "warden-plan",
}

var verdictLinePattern = func(tokens []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^\s*(` + strings.Join(tokens, "|") + `)\b`)
}

// TailSource supplies the character-bounded tail of a session's
// terminal buffer for prompt templating (implemented by internal/buffer.Buffer).
type TailSource interface {
	Tail(n int) []byte
}

// Checker is a single verdict-polling state machine bound to one
// session and one Domain. Calls to Check are strictly serial: a call
// made while status != idle returns ErrBusy without side effects.
type Checker struct {
	sessionID string
	domain    Domain
	cfg       config.CheckerProfile
	prober    Prober
	verdictRe *regexp.Regexp

	status int32 // Status, accessed via atomic

	mu                sync.RWMutex
	consecutiveErrors int
	cooldownEndsAt    time.Time
	lastResult        string
	lastRunStartedAt  time.Time
	runsCompleted     int
	disabledReason    string

	events chan Event
}

// ErrBusy is returned by Check when the checker is not idle.
var ErrBusy = fmt.Errorf("checker: busy")

// New builds a Checker for sessionID in the given domain, reading
// timings from cfg. The event channel is buffered; when it is full,
// the oldest queued event is dropped to make room for the new one.
func New(sessionID string, domain Domain, cfg config.CheckerProfile, prober Prober) *Checker {
	return &Checker{
		sessionID: sessionID,
		domain:    domain,
		cfg:       cfg,
		prober:    prober,
		verdictRe: verdictLinePattern(domain.VerdictTokens),
		events:    make(chan Event, 32),
	}
}

// Events returns the checker's event stream.
func (c *Checker) Events() <-chan Event {
	return c.events
}

// Status returns the current lifecycle state.
func (c *Checker) Status() Status {
	return Status(atomic.LoadInt32(&c.status))
}

// Snapshot is a consistent read of the checker's bookkeeping fields.
type Snapshot struct {
	Status            Status
	ConsecutiveErrors int
	CooldownEndsAt    time.Time
	LastResult        string
	LastRunStartedAt  time.Time
	RunsCompleted     int
}

// Snapshot returns a consistent read of the checker's state.
func (c *Checker) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Status:            c.Status(),
		ConsecutiveErrors: c.consecutiveErrors,
		CooldownEndsAt:    c.cooldownEndsAt,
		LastResult:        c.lastResult,
		LastRunStartedAt:  c.lastRunStartedAt,
		RunsCompleted:     c.runsCompleted,
	}
}

// Tick advances cooldown → idle transitions. Callers should invoke
// this periodically (e.g. from the monitor loop's ticker) so a checker
// sitting in cooldown becomes eligible for Check again once its
// deadline passes.
func (c *Checker) Tick(now time.Time) {
	if c.Status() != StatusCooldown {
		return
	}
	c.mu.RLock()
	ends := c.cooldownEndsAt
	c.mu.RUnlock()
	if !now.Before(ends) {
		atomic.StoreInt32(&c.status, int32(StatusIdle))
		c.emit(Event{Kind: "cooldownEnded"})
	}
}

// Check runs one verdict probe if the checker is idle. If cfg.Enabled
// is false or the checker has been disabled, Check is a no-op
// returning ErrBusy (disabled is terminal, never silently retried).
func (c *Checker) Check(ctx context.Context, buf TailSource) error {
	if !c.cfg.Enabled {
		return ErrBusy
	}
	if !atomic.CompareAndSwapInt32(&c.status, int32(StatusIdle), int32(StatusRunning)) {
		return ErrBusy
	}

	c.mu.Lock()
	c.lastRunStartedAt = time.Now()
	c.mu.Unlock()
	c.emit(Event{Kind: "started"})

	// Over-fetch in bytes to allow for multi-byte runes, then truncate
	// to an exact character-boundary count.
	tail := buf.Tail(c.cfg.MaxContextChars * 4)
	tailStr := truncateChars(string(tail), c.cfg.MaxContextChars)
	prompt := fmt.Sprintf(c.domain.PromptTemplate, tailStr)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout())
	defer cancel()

	start := time.Now()
	output, err := c.prober.Run(runCtx, c.sessionID, prompt, c.cfg.Model, int(c.cfg.CheckTimeout().Milliseconds()), c.domain.ScreenPrefix)
	duration := time.Since(start)

	if err != nil {
		logging.CheckerWarn("%s checker %s: probe error: %v", c.domain.Name, c.sessionID, err)
		if errors.Is(err, probe.ErrSpawn) {
			c.disable(fmt.Sprintf("probe binary unavailable: %v", err))
			return nil
		}
		c.onFailure(fmt.Sprintf("probe error: %v", err))
		return nil
	}

	verdict, reasoning, ok := c.parseVerdict(output)
	if !ok {
		logging.CheckerWarn("%s checker %s: unparseable verdict", c.domain.Name, c.sessionID)
		// Unparseable output counts as the negative (last) verdict token.
		c.mu.Lock()
		c.lastResult = c.domain.VerdictTokens[len(c.domain.VerdictTokens)-1]
		c.mu.Unlock()
		c.onFailure("unparseable verdict")
		return nil
	}

	c.onSuccess(verdict, reasoning, duration.Milliseconds())
	return nil
}

// parseVerdict matches the first line against the domain's verdict
// tokens, case-insensitively, anchored at the start with a trailing
// word boundary. The matched token is upper-cased; remaining lines
// become the reasoning.
func (c *Checker) parseVerdict(output string) (verdict, reasoning string, ok bool) {
	lines := strings.SplitN(strings.TrimLeft(output, "\n"), "\n", 2)
	if len(lines) == 0 {
		return "", "", false
	}
	m := c.verdictRe.FindStringSubmatch(lines[0])
	if m == nil {
		return "", "", false
	}
	verdict = strings.ToUpper(m[1])
	if len(lines) > 1 {
		reasoning = strings.TrimSpace(lines[1])
	}
	return verdict, reasoning, true
}

func (c *Checker) onSuccess(verdict, reasoning string, durationMs int64) {
	c.mu.Lock()
	c.consecutiveErrors = 0
	c.lastResult = verdict
	c.runsCompleted++
	c.mu.Unlock()

	c.emit(Event{Kind: "completed", Verdict: verdict, Reasoning: reasoning, DurationMs: durationMs})
	c.enterCooldown(c.cfg.Cooldown())
}

func (c *Checker) onFailure(reason string) {
	c.mu.Lock()
	c.consecutiveErrors++
	exceeded := c.consecutiveErrors >= c.cfg.MaxConsecutiveErrors
	c.mu.Unlock()

	c.emit(Event{Kind: "failed", Reason: reason})

	if exceeded {
		c.disable(reason)
		return
	}
	c.enterCooldown(c.cfg.ErrorCooldown())
}

func (c *Checker) enterCooldown(d time.Duration) {
	endsAt := time.Now().Add(d)
	c.mu.Lock()
	c.cooldownEndsAt = endsAt
	c.mu.Unlock()
	atomic.StoreInt32(&c.status, int32(StatusCooldown))
	c.emit(Event{Kind: "cooldownStarted", EndsAt: endsAt})
}

// disable moves the checker to the terminal disabled state. It is
// idempotent: the disabled(reason) event fires exactly once.
func (c *Checker) disable(reason string) {
	c.mu.Lock()
	already := c.disabledReason != ""
	if !already {
		c.disabledReason = reason
	}
	c.mu.Unlock()

	atomic.StoreInt32(&c.status, int32(StatusDisabled))
	if already {
		return
	}
	logging.CheckerError("%s checker %s disabled: %s", c.domain.Name, c.sessionID, reason)
	c.emit(Event{Kind: "disabled", Reason: reason})
}

func (c *Checker) emit(e Event) {
	select {
	case c.events <- e:
	default:
		// Drop-oldest on a slow consumer: make room for the newest event
		// rather than blocking the checker's own state machine.
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- e:
		default:
		}
	}
}

// truncateChars truncates s to at most n runes (not bytes), matching
// the spec's character-boundary requirement for context windows.
func truncateChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
