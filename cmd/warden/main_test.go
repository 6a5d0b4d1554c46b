package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"warden/internal/bridge"
)

func TestResolveWorkspaceDefaultsToCwd(t *testing.T) {
	old := workspace
	workspace = ""
	defer func() { workspace = old }()

	ws, err := resolveWorkspace()
	if err != nil {
		t.Fatalf("resolveWorkspace returned error: %v", err)
	}
	cwd, _ := os.Getwd()
	if ws != cwd {
		t.Fatalf("expected %s, got %s", cwd, ws)
	}
}

func TestResolveWorkspaceReturnsAbsPath(t *testing.T) {
	old := workspace
	workspace = "."
	defer func() { workspace = old }()

	ws, err := resolveWorkspace()
	if err != nil {
		t.Fatalf("resolveWorkspace returned error: %v", err)
	}
	if !filepath.IsAbs(ws) {
		t.Fatalf("expected an absolute path, got %s", ws)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}

func TestReporterProxyForwardsOnlyOnceTargetIsSet(t *testing.T) {
	logger = zap.NewNop()

	proxy := &reporterProxy{}
	// No target yet: must not panic.
	proxy.MarkTaskComplete("task-1", bridge.TaskResult{Success: true})
	proxy.MarkTaskFailed("task-2", errors.New("boom"))

	fr := &fakeProxyTarget{}
	proxy.target = fr

	proxy.MarkTaskComplete("task-3", bridge.TaskResult{Success: true, EstimatedCost: 1.5})
	proxy.MarkTaskFailed("task-4", errors.New("bang"))

	if len(fr.completed) != 1 || fr.completed[0] != "task-3" {
		t.Fatalf("expected exactly one completed callback for task-3, got %v", fr.completed)
	}
	if len(fr.failed) != 1 || fr.failed[0] != "task-4" {
		t.Fatalf("expected exactly one failed callback for task-4, got %v", fr.failed)
	}
}

type fakeProxyTarget struct {
	completed []string
	failed    []string
}

func (f *fakeProxyTarget) MarkTaskComplete(taskID string, result bridge.TaskResult) {
	f.completed = append(f.completed, taskID)
}

func (f *fakeProxyTarget) MarkTaskFailed(taskID string, err error) {
	f.failed = append(f.failed, taskID)
}

func TestWaitReporterClosesDoneOnSuccess(t *testing.T) {
	w := newWaitReporter()
	w.MarkTaskComplete("agent-1", bridge.TaskResult{Success: true, EstimatedCost: 2})

	select {
	case <-w.done:
	default:
		t.Fatal("expected done channel to be closed")
	}
	if w.result == nil || w.result.EstimatedCost != 2 {
		t.Fatalf("expected stored result with cost 2, got %v", w.result)
	}
}

func TestWaitReporterClosesDoneOnFailure(t *testing.T) {
	w := newWaitReporter()
	boom := errors.New("boom")
	w.MarkTaskFailed("agent-1", boom)

	select {
	case <-w.done:
	default:
		t.Fatal("expected done channel to be closed")
	}
	if !errors.Is(w.err, boom) {
		t.Fatalf("expected stored error to be boom, got %v", w.err)
	}
}
