package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"warden/internal/bridge"
	"warden/internal/config"
	"warden/internal/probe"
	"warden/internal/spawn"
)

var specPath string

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Launch a single ad-hoc task spec and wait for its result",
	RunE:  runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&specPath, "spec", "", "Path to a task spec file (required)")
	spawnCmd.MarkFlagRequired("spec")
}

// waitReporter adapts a single spawn's outcome into a blocking result
// the CLI can print and exit on, rather than the bridge's asynchronous
// fire-and-forget reporting.
type waitReporter struct {
	mu     sync.Mutex
	result *bridge.TaskResult
	err    error
	done   chan struct{}
}

func newWaitReporter() *waitReporter {
	return &waitReporter{done: make(chan struct{})}
}

func (w *waitReporter) MarkTaskComplete(taskID string, result bridge.TaskResult) {
	w.mu.Lock()
	w.result = &result
	w.mu.Unlock()
	close(w.done)
}

func (w *waitReporter) MarkTaskFailed(taskID string, err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}
	spec, err := spawn.ParseSpec(data)
	if err != nil {
		return fmt.Errorf("parse spec file: %w", err)
	}

	reporter := newWaitReporter()
	orchestrator := spawn.NewOrchestrator(probe.TmuxMuxer{}, reporter, cfg.Spawn, ws, "assistant")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := orchestrator.SpawnSpec(ctx, spec); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	select {
	case <-reporter.done:
	case <-ctx.Done():
		return fmt.Errorf("spawn %s timed out after %s", spec.AgentID, timeout)
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if reporter.err != nil {
		fmt.Printf("agent %s failed: %v\n", spec.AgentID, reporter.err)
		return reporter.err
	}
	fmt.Printf("agent %s completed (cost=%.4f)\n", spec.AgentID, reporter.result.EstimatedCost)
	return nil
}
