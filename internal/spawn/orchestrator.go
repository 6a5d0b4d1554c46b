package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"warden/internal/bridge"
	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/probe"
)

// Error kinds returned by the orchestrator. Checked with errors.Is.
var (
	ErrTimeout        = errors.New("spawn: timeout")
	ErrMaxConcurrency = errors.New("spawn: max concurrent agents reached")
	ErrChildFailed    = errors.New("spawn: child_failed")
	ErrMaxSpawnDepth  = errors.New("spawn: max spawn depth exceeded")
)

var promisePattern = regexp.MustCompile(`<promise>([A-Za-z0-9_-]+)</promise>`)

// handle tracks one in-flight spawn.
type handle struct {
	spec      *TaskSpec
	ws        Workspace
	screen    string
	startedAt time.Time
	stop      chan struct{}
}

// Orchestrator implements bridge.Spawner (C8's seam) by materialising a
// workspace per task, launching a supervised session via the same
// detachable-terminal mechanism C2 uses, and polling for progress,
// messages, and the completion signal.
type Orchestrator struct {
	muxer     probe.Muxer
	reporter  bridge.Reporter
	cfg       config.OrchestratorConfig
	baseDir   string
	assistant string

	mu      sync.Mutex
	running map[string]*handle
}

// NewOrchestrator builds an Orchestrator. reporter is the bridge's
// reporter capability, handed in at construction to break the
// bridge<->spawner cyclic reference.
func NewOrchestrator(muxer probe.Muxer, reporter bridge.Reporter, cfg config.OrchestratorConfig, baseDir, assistantBinary string) *Orchestrator {
	if muxer == nil {
		muxer = probe.TmuxMuxer{}
	}
	return &Orchestrator{
		muxer:     muxer,
		reporter:  reporter,
		cfg:       cfg,
		baseDir:   baseDir,
		assistant: assistantBinary,
		running:   make(map[string]*handle),
	}
}

// SpawnSession launches a full supervised child session. It returns
// once the session is launched; completion is reported later,
// asynchronously, via the bridge.Reporter given at construction.
func (o *Orchestrator) SpawnSession(ctx context.Context, a bridge.Assignment) error {
	return o.SpawnSpec(ctx, specFromAssignment(a))
}

// SpawnSpec launches a fully-formed TaskSpec directly, bypassing the
// bridge.Assignment adapter. Used by ad-hoc callers (e.g. the CLI's
// spawn subcommand) that already hold a parsed, defaulted TaskSpec
// rather than a scheduled task.
func (o *Orchestrator) SpawnSpec(ctx context.Context, spec *TaskSpec) error {
	if maxDepth := o.cfg.MaxSpawnDepth; maxDepth > 0 && spec.Depth > maxDepth {
		return fmt.Errorf("%w: depth %d exceeds max %d", ErrMaxSpawnDepth, spec.Depth, maxDepth)
	}

	o.mu.Lock()
	limit := o.cfg.MaxConcurrentAgents
	if limit <= 0 {
		limit = 4
	}
	if len(o.running) >= limit {
		o.mu.Unlock()
		return ErrMaxConcurrency
	}
	o.mu.Unlock()

	h, err := o.launch(ctx, spec)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.running[spec.AgentID] = h
	o.mu.Unlock()

	go o.watch(ctx, h)
	return nil
}

// SpawnLightweight has no in-process handler: every spawn is a full
// supervised session, so the bridge always falls back to SpawnSession.
func (o *Orchestrator) SpawnLightweight(ctx context.Context, a bridge.Assignment) error {
	return bridge.ErrLightweightUnavailable
}

// Abort requests cancellation of a running spawn. Advisory: the
// multiplexer session is torn down immediately without waiting for the
// child to acknowledge.
func (o *Orchestrator) Abort(taskID string) error {
	o.mu.Lock()
	h, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	return nil
}

func specFromAssignment(a bridge.Assignment) *TaskSpec {
	spec := &TaskSpec{
		AgentID:      a.Task.ID,
		Name:         a.Task.Title,
		Type:         AgentType(a.Task.ResolvedAgentType),
		Task:         a.Task.Description,
		ContextFiles: a.Task.InputFiles,
	}
	Default(spec)
	return spec
}

func (o *Orchestrator) launch(ctx context.Context, spec *TaskSpec) (*handle, error) {
	ws, err := materialize(o.baseDir, spec)
	if err != nil {
		return nil, err
	}

	screen := fmt.Sprintf("warden-spawn-%s", shortID(spec.AgentID))
	prompt := fmt.Sprintf("Read %s and begin. Emit <promise>%s</promise> when finished.", ws.Instruction, spec.CompletionPhrase)
	command := fmt.Sprintf(
		"cd %s && %s --non-interactive --prompt %s > %s 2>&1",
		shellQuote(ws.Root), shellQuote(o.assistant), shellQuote(prompt), shellQuote(ws.Capture),
	)

	if err := o.muxer.Start(ctx, screen, command); err != nil {
		_ = teardown(ws)
		return nil, fmt.Errorf("spawn: start session: %w", err)
	}

	logging.SpawnDebug("spawned agent %s in %s", spec.AgentID, ws.Root)

	return &handle{
		spec:      spec,
		ws:        ws,
		screen:    screen,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}, nil
}

func (o *Orchestrator) watch(ctx context.Context, h *handle) {
	interval := time.Duration(h.spec.ProgressIntervalSec) * time.Second
	if interval <= 0 {
		interval = o.cfg.ProgressPollInterval()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		_ = watcher.Add(h.ws.MessagesDir)
		defer watcher.Close()
	} else {
		logging.SpawnWarn("agent %s: messages watch unavailable: %v", h.spec.AgentID, werr)
	}

	maxTimeout := o.cfg.MaxTimeout()
	timeout := time.Duration(h.spec.TimeoutMinutes) * time.Minute
	if maxTimeout > 0 && timeout > maxTimeout {
		timeout = maxTimeout
	}
	deadline := h.startedAt.Add(timeout)

	var watcherEvents chan fsnotify.Event
	if watcher != nil {
		watcherEvents = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			o.finishCancelled(h)
			return
		case <-h.stop:
			o.finishAborted(h)
			return
		case <-watcherEvents:
			// A new message may coincide with completion; the next tick's
			// checkCompletion will notice either way, this just logs.
			logging.SpawnDebug("agent %s: new message observed", h.spec.AgentID)
		case <-ticker.C:
			o.pollProgress(h)
			done, result, err := o.checkCompletion(h)
			if done {
				o.finish(h, result, err)
				return
			}
			if time.Now().After(deadline) {
				o.finishTimeout(h)
				return
			}
		}
	}
}

func (o *Orchestrator) pollProgress(h *handle) {
	data, err := os.ReadFile(h.ws.Progress)
	if err != nil {
		return
	}
	if _, err := ParseProgress(data); err != nil {
		logging.SpawnWarn("agent %s: malformed progress.json: %v", h.spec.AgentID, err)
	}
}

// checkCompletion scans the session's captured output for the first
// completion phrase and, if found, parses result.md.
func (o *Orchestrator) checkCompletion(h *handle) (done bool, result bridge.TaskResult, err error) {
	data, rerr := os.ReadFile(h.ws.Capture)
	if rerr != nil {
		return false, bridge.TaskResult{}, nil
	}

	match := promisePattern.FindSubmatch(data)
	if match == nil {
		return false, bridge.TaskResult{}, nil
	}
	phrase := canonicalizePhrase(string(match[1]))
	if phrase != h.spec.CompletionPhrase {
		return false, bridge.TaskResult{}, nil
	}

	resultData, rerr := os.ReadFile(h.ws.Result)
	if rerr != nil {
		return true, bridge.TaskResult{Success: false, Error: "result.md missing"}, fmt.Errorf("%w: %v", ErrResultParseFailed, rerr)
	}

	r, perr := ParseResult(resultData)
	if perr != nil {
		return true, bridge.TaskResult{Success: false, Error: perr.Error()}, perr
	}

	if r.Status == "failed" {
		return true, bridge.TaskResult{Success: false, Error: r.Summary, EstimatedCost: r.Cost}, fmt.Errorf("%w: %s", ErrChildFailed, r.Summary)
	}
	return true, bridge.TaskResult{Success: true, EstimatedCost: r.Cost}, nil
}

func (o *Orchestrator) finish(h *handle, result bridge.TaskResult, err error) {
	o.cleanupSession(h)
	success := err == nil
	o.cleanupWorkspace(h, success)
	o.untrack(h)

	if success {
		o.reporter.MarkTaskComplete(h.spec.AgentID, result)
	} else {
		o.reporter.MarkTaskFailed(h.spec.AgentID, err)
	}
}

func (o *Orchestrator) finishTimeout(h *handle) {
	logging.SpawnWarn("agent %s: timed out after %d minutes", h.spec.AgentID, h.spec.TimeoutMinutes)
	o.cleanupSession(h)
	o.cleanupWorkspace(h, false)
	o.untrack(h)
	o.reporter.MarkTaskFailed(h.spec.AgentID, ErrTimeout)
}

func (o *Orchestrator) finishCancelled(h *handle) {
	o.cleanupSession(h)
	o.cleanupWorkspace(h, false)
	o.untrack(h)
	o.reporter.MarkTaskFailed(h.spec.AgentID, context.Canceled)
}

// finishAborted handles an explicit Abort: the bridge already owns the
// status transition for this task, so no Reporter callback is made.
func (o *Orchestrator) finishAborted(h *handle) {
	o.cleanupSession(h)
	o.cleanupWorkspace(h, false)
	o.untrack(h)
}

// cleanupSession always tears down the capture file and the
// multiplexer session, mirroring probe.Runner's own cleanup guarantee
// (I-spawn-cleanup): regardless of outcome, no temp file or detachable
// session outlives a terminal spawn result.
func (o *Orchestrator) cleanupSession(h *handle) {
	if err := os.Remove(h.ws.Capture); err != nil && !os.IsNotExist(err) {
		logging.SpawnWarn("agent %s: failed to remove capture file: %v", h.spec.AgentID, err)
	}
	if err := o.muxer.Quit(h.screen); err != nil {
		logging.SpawnWarn("agent %s: failed to quit session: %v", h.spec.AgentID, err)
	}
}

// cleanupWorkspace removes the whole materialised workspace on
// success, and on failure only when the orchestrator is configured to
// clean up on failure (default: keep failed workspaces for debugging).
func (o *Orchestrator) cleanupWorkspace(h *handle, success bool) {
	if success || o.cfg.CleanupOnFailure {
		if err := teardown(h.ws); err != nil {
			logging.SpawnWarn("agent %s: failed to remove workspace: %v", h.spec.AgentID, err)
		}
	}
}

func (o *Orchestrator) untrack(h *handle) {
	o.mu.Lock()
	delete(o.running, h.spec.AgentID)
	o.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
