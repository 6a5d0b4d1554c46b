// Package bridge implements the tick-driven execution bridge (C8): it
// drives a schedule.Scheduler (C5), asks model.Select (C6) for each
// task's model, invokes contextmgr (C7) when a task demands a fresh
// context, and hands tasks off to an injected Spawner (C9 or a
// lightweight in-process handler).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/config"
	"warden/internal/contextmgr"
	"warden/internal/logging"
	"warden/internal/model"
	"warden/internal/schedule"
)

// Status is the bridge's overall lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrLightweightUnavailable is returned by a Spawner's SpawnLightweight
// when no in-process handler exists for the task; the bridge falls
// back to SpawnSession exactly once and records the fallback.
var ErrLightweightUnavailable = errors.New("bridge: lightweight spawn unavailable")

// TaskResult is what a Spawner returns for a completed or failed task.
type TaskResult struct {
	Success       bool
	Error         string
	EstimatedCost float64
}

// Assignment is everything a Spawner needs to execute one task.
type Assignment struct {
	Task           *schedule.GroupTask
	Group          *schedule.ExecutionGroup
	Model          string
	ModelReason    string
	RefreshContext bool
}

// Spawner is the injected hand-off seam. The spawner calls back into
// the bridge's reporter (given to it at construction) via
// MarkTaskComplete/MarkTaskFailed rather than the bridge calling back
// into the spawner, breaking the cyclic dependency the two otherwise
// share.
type Spawner interface {
	SpawnSession(ctx context.Context, a Assignment) error
	SpawnLightweight(ctx context.Context, a Assignment) error
	// Abort requests cancellation of a running task. Advisory only:
	// implementations are not required to wait for the process to exit.
	Abort(taskID string) error
}

// Reporter is the capability a Spawner uses to report task outcomes
// back into the bridge, breaking the cyclic Spawner<->Bridge reference.
type Reporter interface {
	MarkTaskComplete(taskID string, result TaskResult)
	MarkTaskFailed(taskID string, err error)
}

// HistoryEntry is one entry in the bridge's execution history ring.
type HistoryEntry struct {
	ID             string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         Status
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	EstimatedCost  float64
}

const maxExecutionHistoryDefault = 50

// Bridge drives a schedule.Scheduler via a polling tick.
type Bridge struct {
	scheduler  *schedule.Scheduler
	modelCfg   config.ModelConfig
	ctxManager *contextmgr.Manager
	spawner    Spawner
	cfg        config.BridgeConfig

	mu              sync.Mutex
	status          Status
	runningGroup    *schedule.ExecutionGroup
	runningTaskIDs  map[string]bool
	groupDeadline   time.Time
	pausedAt        *time.Time
	elapsedAtPause  time.Duration
	startedAt       time.Time
	history         []HistoryEntry
	currentHistory  int // index into history of the in-progress entry, -1 if none

	// dispatchGroup bounds the number of in-flight assignTask
	// goroutines to MaxParallelTasksPerGroup. It is never Wait()ed in
	// the tick path: assignment is fire-and-forget per tick, with
	// completion reported back asynchronously via Reporter.
	dispatchGroup *errgroup.Group

	stopTick chan struct{}
	tickDone chan struct{}
}

// New builds a Bridge wired to the given collaborators.
func New(scheduler *schedule.Scheduler, modelCfg config.ModelConfig, ctxManager *contextmgr.Manager, spawner Spawner, cfg config.BridgeConfig) *Bridge {
	limit := cfg.MaxParallelTasksPerGroup
	if limit <= 0 {
		limit = 4
	}
	var eg errgroup.Group
	eg.SetLimit(limit)

	return &Bridge{
		scheduler:      scheduler,
		modelCfg:       modelCfg,
		ctxManager:     ctxManager,
		spawner:        spawner,
		cfg:            cfg,
		status:         StatusIdle,
		runningTaskIDs: make(map[string]bool),
		currentHistory: -1,
		dispatchGroup:  &eg,
	}
}

// Start transitions the bridge to running and begins the tick loop.
// The schedule must already be built via the Scheduler.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.status == StatusRunning {
		b.mu.Unlock()
		return fmt.Errorf("bridge: start called while already running")
	}
	if b.scheduler.Schedule() == nil {
		b.mu.Unlock()
		return fmt.Errorf("bridge: start called before a schedule was built")
	}
	b.status = StatusRunning
	b.startedAt = time.Now()
	b.appendHistory()
	b.stopTick = make(chan struct{})
	b.tickDone = make(chan struct{})
	b.mu.Unlock()

	go b.runTickLoop(ctx)
	return nil
}

func (b *Bridge) runTickLoop(ctx context.Context) {
	defer close(b.tickDone)
	interval := b.cfg.PollInterval()
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopTick:
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// Status returns the bridge's current lifecycle status.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// tick is the hot path, run once per poll interval.
func (b *Bridge) tick(ctx context.Context) {
	b.mu.Lock()
	if b.status != StatusRunning {
		b.mu.Unlock()
		return
	}
	sched := b.scheduler.Schedule()
	terminal := sched.Status == schedule.StatusCompleted || sched.Status == schedule.StatusFailed || sched.Status == schedule.StatusPartial
	b.mu.Unlock()

	if terminal {
		b.finish(sched.Status)
		return
	}

	b.mu.Lock()
	g := b.runningGroup
	b.mu.Unlock()

	if g != nil {
		b.checkGroupTimeout(g)
		b.processGroup(ctx, g)
		return
	}

	next := b.scheduler.GetNextReadyGroup()
	if next == nil {
		return
	}
	b.startGroup(ctx, next)
}

func (b *Bridge) startGroup(ctx context.Context, g *schedule.ExecutionGroup) {
	b.mu.Lock()
	b.runningGroup = g
	b.groupDeadline = time.Now().Add(b.cfg.GroupTimeout())
	b.mu.Unlock()

	logging.BridgeDebug("group %d starting in %s mode: %s", g.GroupNumber, g.ExecutionMode, g.ExecutionModeRationale)
	b.processGroup(ctx, g)
}

func (b *Bridge) checkGroupTimeout(g *schedule.ExecutionGroup) {
	b.mu.Lock()
	expired := !b.groupDeadline.IsZero() && time.Now().After(b.groupDeadline)
	b.mu.Unlock()
	if !expired {
		return
	}
	b.handleGroupTimeout(g)
}

func (b *Bridge) handleGroupTimeout(g *schedule.ExecutionGroup) {
	logging.BridgeWarn("group %d timed out", g.GroupNumber)
	for _, t := range g.Tasks {
		switch t.Status {
		case schedule.StatusRunning:
			_ = b.scheduler.UpdateTaskStatus(t.ID, schedule.StatusFailed, "Group timeout")
			b.untrack(t.ID)
		case schedule.StatusPending:
			_ = b.scheduler.UpdateTaskStatus(t.ID, schedule.StatusSkipped, "Group timeout")
		}
	}
	b.mu.Lock()
	b.runningGroup = nil
	b.mu.Unlock()
}

func (b *Bridge) processGroup(ctx context.Context, g *schedule.ExecutionGroup) {
	b.mu.Lock()
	running := len(b.runningTaskIDs)
	limit := b.cfg.MaxParallelTasksPerGroup
	if limit <= 0 {
		limit = 4
	}
	slots := limit - running
	b.mu.Unlock()

	if slots <= 0 {
		return
	}

	ready := b.scheduler.GetReadyTasksInGroup(g)
	if len(ready) > slots {
		ready = ready[:slots]
	}
	if len(ready) == 0 {
		b.maybeClearRunningGroup(g)
		return
	}

	// Fire-and-forget: dispatchGroup only bounds concurrent launches,
	// it is never Wait()ed here. A launched task's actual completion
	// is reported later, asynchronously, via Reporter.
	for _, t := range ready {
		task := t
		b.track(task.ID)
		b.dispatchGroup.Go(func() error {
			b.assignTask(ctx, task, g)
			return nil
		})
	}
}

// maybeClearRunningGroup drops the bridge's reference to g once it has
// reached a terminal status, so the next tick can pull a fresh group.
func (b *Bridge) maybeClearRunningGroup(g *schedule.ExecutionGroup) {
	if g.Status == schedule.StatusCompleted || g.Status == schedule.StatusFailed || g.Status == schedule.StatusPartial {
		b.mu.Lock()
		if b.runningGroup == g {
			b.runningGroup = nil
		}
		b.mu.Unlock()
	}
}

func (b *Bridge) track(taskID string) {
	b.mu.Lock()
	b.runningTaskIDs[taskID] = true
	b.mu.Unlock()
}

func (b *Bridge) untrack(taskID string) {
	b.mu.Lock()
	delete(b.runningTaskIDs, taskID)
	b.mu.Unlock()
}

// assignTask resolves a model, marks the task running, and launches it
// via the spawner. It returns once the launch attempt completes (success
// or failure) — the task's actual completion is reported later,
// asynchronously, via Reporter.MarkTaskComplete/MarkTaskFailed, which is
// what untracks it from runningTaskIDs.
func (b *Bridge) assignTask(ctx context.Context, t *schedule.GroupTask, g *schedule.ExecutionGroup) {
	sel := model.Select(b.modelCfg, model.TaskHint{
		ID:               t.ID,
		RecommendedModel: t.RecommendedModel,
		EstimatedTokens:  t.EstimatedTokens,
		AgentType:        t.ResolvedAgentType,
	})

	if t.RequiresFreshContext && b.ctxManager != nil {
		if _, err := b.ctxManager.RefreshContext(t.ID); err != nil {
			logging.BridgeWarn("task %s: context refresh failed: %v", t.ID, err)
		}
	}

	_ = b.scheduler.UpdateTaskStatus(t.ID, schedule.StatusRunning, "")

	assignment := Assignment{
		Task:           t,
		Group:          g,
		Model:          sel.Model,
		ModelReason:    sel.Reason,
		RefreshContext: t.RequiresFreshContext,
	}

	var err error
	if g.ExecutionMode == schedule.ModeLightweight {
		err = b.spawner.SpawnLightweight(ctx, assignment)
		if errors.Is(err, ErrLightweightUnavailable) {
			logging.BridgeDebug("task %s: lightweight unavailable, falling back to session", t.ID)
			err = b.spawner.SpawnSession(ctx, assignment)
		}
	} else {
		err = b.spawner.SpawnSession(ctx, assignment)
	}

	if err != nil {
		b.handleTaskFailure(t, g, err)
	}
}

// handleTaskFailure implements the retry-then-fail policy. Spawner
// failures that are reported synchronously (from SpawnSession/
// SpawnLightweight returning an error) land here directly; failures
// reported asynchronously via MarkTaskFailed land here too.
func (b *Bridge) handleTaskFailure(t *schedule.GroupTask, g *schedule.ExecutionGroup, err error) {
	b.untrack(t.ID)
	t.RetryCount++
	maxRetries := b.cfg.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if t.RetryCount < maxRetries {
		logging.BridgeWarn("task %s failed (attempt %d/%d): %v", t.ID, t.RetryCount, maxRetries, err)
		delay := b.cfg.TaskRetryDelay()
		go func() {
			time.Sleep(delay)
			_ = b.scheduler.UpdateTaskStatus(t.ID, schedule.StatusPending, "")
		}()
		return
	}

	logging.BridgeError("task %s failed permanently after %d attempts: %v", t.ID, t.RetryCount, err)
	_ = b.scheduler.UpdateTaskStatus(t.ID, schedule.StatusFailed, err.Error())
	b.scheduler.MarkDependentTasksBlocked(t.ID)
}

// MarkTaskComplete implements Reporter: the spawner calls this when a
// task finishes successfully.
func (b *Bridge) MarkTaskComplete(taskID string, result TaskResult) {
	b.untrack(taskID)
	_ = b.scheduler.UpdateTaskStatus(taskID, schedule.StatusCompleted, "")
}

// MarkTaskFailed implements Reporter: the spawner calls this when a
// task finishes with an error, asynchronously relative to the
// SpawnSession/SpawnLightweight call that started it.
func (b *Bridge) MarkTaskFailed(taskID string, err error) {
	sched := b.scheduler.Schedule()
	var task *schedule.GroupTask
	var group *schedule.ExecutionGroup
	for _, g := range sched.Groups {
		for _, t := range g.Tasks {
			if t.ID == taskID {
				task, group = t, g
			}
		}
	}
	if task == nil {
		logging.BridgeWarn("MarkTaskFailed: unknown task %s", taskID)
		return
	}
	b.handleTaskFailure(task, group, err)
}

// Pause stops the tick loop and freezes elapsed time. In-flight tasks
// continue; no new tasks are assigned while paused.
func (b *Bridge) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return
	}
	now := time.Now()
	b.pausedAt = &now
	b.status = StatusPaused
}

// Resume restarts the tick loop after a Pause.
func (b *Bridge) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPaused {
		return
	}
	if b.pausedAt != nil {
		b.elapsedAtPause += time.Since(*b.pausedAt)
		b.pausedAt = nil
	}
	b.status = StatusRunning
}

// Cancel idempotently transitions the bridge to cancelled, stopping
// the tick loop. It does not kill already-running child processes
// synchronously: that is the spawner's Abort responsibility, invoked
// here on a best-effort basis for each currently-tracked task.
func (b *Bridge) Cancel(reason string) {
	b.mu.Lock()
	if b.status == StatusCancelled {
		b.mu.Unlock()
		return
	}
	running := make([]string, 0, len(b.runningTaskIDs))
	for id := range b.runningTaskIDs {
		running = append(running, id)
	}
	b.status = StatusCancelled
	stop := b.stopTick
	b.mu.Unlock()

	for _, id := range running {
		if err := b.spawner.Abort(id); err != nil {
			logging.BridgeWarn("abort task %s: %v", id, err)
		}
	}

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}

	b.finalizeHistory(StatusCancelled)
	logging.BridgeWarn("bridge cancelled: %s", reason)
}

func (b *Bridge) finish(schedStatus schedule.TaskStatus) {
	var status Status
	switch schedStatus {
	case schedule.StatusCompleted:
		status = StatusCompleted
	case schedule.StatusPartial:
		status = StatusPartial
	default:
		status = StatusFailed
	}

	b.mu.Lock()
	b.status = status
	stop := b.stopTick
	b.mu.Unlock()

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}

	b.finalizeHistory(status)
	logging.BridgeDebug("bridge finished with status %s", status)
}

func (b *Bridge) appendHistory() {
	sched := b.scheduler.Schedule()
	entry := HistoryEntry{
		ID:         fmt.Sprintf("exec-%d", time.Now().UnixNano()),
		StartedAt:  time.Now(),
		Status:     StatusRunning,
		TotalTasks: sched.TotalTasks,
	}

	historyCap := b.cfg.MaxExecutionHistory
	if historyCap <= 0 {
		historyCap = maxExecutionHistoryDefault
	}

	b.history = append([]HistoryEntry{entry}, b.history...)
	if len(b.history) > historyCap {
		b.history = b.history[:historyCap]
	}
	b.currentHistory = 0
}

func (b *Bridge) finalizeHistory(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentHistory < 0 || b.currentHistory >= len(b.history) {
		return
	}
	now := time.Now()
	sched := b.scheduler.Schedule()
	entry := &b.history[b.currentHistory]
	entry.EndedAt = &now
	entry.Status = status
	entry.CompletedTasks = sched.CompletedTasks
	entry.FailedTasks = sched.FailedTasks
}

// History returns a copy of the execution history, newest first.
func (b *Bridge) History() []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HistoryEntry, len(b.history))
	copy(out, b.history)
	return out
}
