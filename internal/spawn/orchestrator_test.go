package spawn

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"warden/internal/bridge"
	"warden/internal/config"
	"warden/internal/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMuxer struct {
	mu      sync.Mutex
	started []string
	quit    []string
}

func (f *fakeMuxer) Start(ctx context.Context, sessionName, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionName)
	return nil
}

func (f *fakeMuxer) Quit(sessionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quit = append(f.quit, sessionName)
	return nil
}

func (f *fakeMuxer) quitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.quit)
}

type fakeReporter struct {
	mu     sync.Mutex
	result *bridge.TaskResult
	err    error
	notify chan struct{}
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{notify: make(chan struct{}, 1)}
}

func (f *fakeReporter) MarkTaskComplete(taskID string, r bridge.TaskResult) {
	f.mu.Lock()
	f.result = &r
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeReporter) MarkTaskFailed(taskID string, err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeReporter) snapshot() (*bridge.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxConcurrentAgents:    4,
		ProgressPollIntervalMs: 5,
		DefaultTimeoutMinutes:  30,
		MaxTimeoutMinutes:      120,
		CleanupOnFailure:       false,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestOrchestratorWatchDetectsCompletionAndReportsSuccess(t *testing.T) {
	muxer := &fakeMuxer{}
	reporter := newFakeReporter()
	cfg := testOrchestratorConfig()
	o := NewOrchestrator(muxer, reporter, cfg, t.TempDir(), "assistant")

	spec := &TaskSpec{AgentID: "agent-complete", Task: "do x"}
	Default(spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := o.launch(ctx, spec)
	require.NoError(t, err)
	go o.watch(ctx, h)

	require.NoError(t, os.WriteFile(h.ws.Capture, []byte("<promise>"+spec.CompletionPhrase+"</promise>"), 0o644))
	require.NoError(t, os.WriteFile(h.ws.Result, []byte("---\nstatus: completed\nsummary: done\ncost: 0.5\n---\n"), 0o644))

	select {
	case <-reporter.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion report")
	}

	result, err := reporter.snapshot()
	require.Nil(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 0.5, result.EstimatedCost)

	_, statErr := os.Stat(h.ws.Root)
	assert.True(t, os.IsNotExist(statErr), "workspace must be removed on success")
	assert.GreaterOrEqual(t, muxer.quitCount(), 1)
}

func TestOrchestratorWatchReportsChildFailure(t *testing.T) {
	muxer := &fakeMuxer{}
	reporter := newFakeReporter()
	cfg := testOrchestratorConfig()
	o := NewOrchestrator(muxer, reporter, cfg, t.TempDir(), "assistant")

	spec := &TaskSpec{AgentID: "agent-fail", Task: "do y"}
	Default(spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := o.launch(ctx, spec)
	require.NoError(t, err)
	go o.watch(ctx, h)

	require.NoError(t, os.WriteFile(h.ws.Capture, []byte("<promise>"+spec.CompletionPhrase+"</promise>"), 0o644))
	require.NoError(t, os.WriteFile(h.ws.Result, []byte("---\nstatus: failed\nsummary: compile error\n---\n"), 0o644))

	select {
	case <-reporter.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure report")
	}

	_, reportErr := reporter.snapshot()
	require.Error(t, reportErr)
	assert.ErrorIs(t, reportErr, ErrChildFailed)
}

func TestOrchestratorTimeoutKeepsWorkspaceWhenCleanupOnFailureDisabled(t *testing.T) {
	muxer := &fakeMuxer{}
	reporter := newFakeReporter()
	cfg := testOrchestratorConfig()
	cfg.CleanupOnFailure = false
	o := NewOrchestrator(muxer, reporter, cfg, t.TempDir(), "assistant")

	spec := &TaskSpec{AgentID: "agent-timeout", Task: "never finishes", TimeoutMinutes: 1}
	Default(spec)

	ws, err := materialize(o.baseDir, spec)
	require.NoError(t, err)

	h := &handle{
		spec:      spec,
		ws:        ws,
		screen:    "warden-spawn-timeout",
		startedAt: time.Now().Add(-2 * time.Minute),
		stop:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.watch(ctx, h)

	select {
	case <-reporter.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout report")
	}

	_, reportErr := reporter.snapshot()
	assert.ErrorIs(t, reportErr, ErrTimeout)

	_, statErr := os.Stat(ws.Root)
	assert.NoError(t, statErr, "workspace must be kept when CleanupOnFailure is disabled")
}

func TestOrchestratorAbortStopsWatchWithoutReportingOutcome(t *testing.T) {
	muxer := &fakeMuxer{}
	reporter := newFakeReporter()
	cfg := testOrchestratorConfig()
	o := NewOrchestrator(muxer, reporter, cfg, t.TempDir(), "assistant")

	assignment := bridge.Assignment{
		Task: &schedule.GroupTask{
			PlanItem:          schedule.PlanItem{ID: "agent-abort", Title: "t", Description: "d"},
			ResolvedAgentType: "general",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, o.SpawnSession(ctx, assignment))
	require.NoError(t, o.Abort("agent-abort"))

	waitUntil(t, time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		_, stillRunning := o.running["agent-abort"]
		return !stillRunning
	})

	result, reportErr := reporter.snapshot()
	assert.Nil(t, result)
	assert.Nil(t, reportErr)
	assert.GreaterOrEqual(t, muxer.quitCount(), 1)
}

func TestOrchestratorRejectsSpawnBeyondMaxSpawnDepth(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.MaxSpawnDepth = 2

	o := NewOrchestrator(&fakeMuxer{}, newFakeReporter(), cfg, t.TempDir(), "assistant")
	spec := &TaskSpec{AgentID: "agent-deep", Task: "x", Depth: 3}
	Default(spec)

	err := o.SpawnSpec(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxSpawnDepth)
}

func TestOrchestratorAllowsSpawnAtMaxSpawnDepth(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.MaxSpawnDepth = 2

	muxer := &fakeMuxer{}
	o := NewOrchestrator(muxer, newFakeReporter(), cfg, t.TempDir(), "assistant")
	spec := &TaskSpec{AgentID: "agent-at-limit", Task: "x", Depth: 2}
	Default(spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := o.SpawnSpec(ctx, spec)
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool { return len(muxer.started) == 1 })
	cancel()
	waitUntil(t, time.Second, func() bool { return muxer.quitCount() >= 1 })
}

func TestOrchestratorSpawnLightweightAlwaysUnavailable(t *testing.T) {
	o := NewOrchestrator(&fakeMuxer{}, newFakeReporter(), testOrchestratorConfig(), t.TempDir(), "assistant")
	err := o.SpawnLightweight(context.Background(), bridge.Assignment{})
	assert.True(t, errors.Is(err, bridge.ErrLightweightUnavailable))
}

func TestOrchestratorRespectsMaxConcurrencyLimit(t *testing.T) {
	muxer := &fakeMuxer{}
	reporter := newFakeReporter()
	cfg := testOrchestratorConfig()
	cfg.MaxConcurrentAgents = 1
	o := NewOrchestrator(muxer, reporter, cfg, t.TempDir(), "assistant")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := bridge.Assignment{Task: &schedule.GroupTask{PlanItem: schedule.PlanItem{ID: "agent-a"}, ResolvedAgentType: "general"}}
	second := bridge.Assignment{Task: &schedule.GroupTask{PlanItem: schedule.PlanItem{ID: "agent-b"}, ResolvedAgentType: "general"}}

	require.NoError(t, o.SpawnSession(ctx, first))
	err := o.SpawnSession(ctx, second)
	assert.ErrorIs(t, err, ErrMaxConcurrency)

	cancel()
	waitUntil(t, time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.running) == 0
	})
}
