package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"warden/internal/bridge"
	"warden/internal/config"
	"warden/internal/contextmgr"
	"warden/internal/logging"
	"warden/internal/probe"
	"warden/internal/schedule"
	"warden/internal/spawn"
)

var planPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build a schedule from a plan file and drive it to completion",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&planPath, "plan", "plan.yaml", "Path to a plan file (YAML list of plan items)")
}

// planFile is the on-disk shape of a plan file: a bare list of
// schedule.PlanItem under a top-level "tasks" key.
type planFile struct {
	Tasks []schedule.PlanItem `yaml:"tasks"`
}

func loadPlan(path string) ([]schedule.PlanItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	return pf.Tasks, nil
}

// tmuxWriter implements contextmgr.SessionWriter by sending literal
// keystrokes into a tmux pane via send-keys.
type tmuxWriter struct{}

func (tmuxWriter) Write(sessionID string, data []byte) error {
	if sessionID == "" {
		return nil
	}
	cmd := exec.Command("tmux", "send-keys", "-t", sessionID, string(data))
	return cmd.Run()
}

// reporterProxy breaks the bridge<->spawner construction cycle: the
// spawner needs a bridge.Reporter before the Bridge exists, so it
// holds this proxy instead and the caller fills in target once the
// real Bridge is built.
type reporterProxy struct {
	target bridge.Reporter
}

func (p *reporterProxy) MarkTaskComplete(taskID string, result bridge.TaskResult) {
	if p.target != nil {
		p.target.MarkTaskComplete(taskID, result)
	}
}

func (p *reporterProxy) MarkTaskFailed(taskID string, err error) {
	if p.target != nil {
		p.target.MarkTaskFailed(taskID, err)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	items, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	scheduler := schedule.New()
	sched, err := scheduler.BuildSchedule(items)
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}
	logging.Boot("schedule built: %d groups, %d tasks", len(sched.Groups), len(items))

	ctxMgr := contextmgr.New(tmuxWriter{}, cfg.Bridge)

	// The bridge (the eventual Reporter) and the orchestrator (the
	// Spawner) each need the other at construction time, so a thin
	// proxy breaks the cycle: the orchestrator gets the proxy now, and
	// the proxy's target is filled in once the bridge exists.
	reporter := &reporterProxy{}
	orchestrator := spawn.NewOrchestrator(probe.TmuxMuxer{}, reporter, cfg.Spawn, ws, "assistant")

	b := bridge.New(scheduler, cfg.Model, ctxMgr, orchestrator, cfg.Bridge)
	reporter.target = b

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	for {
		status := b.Status()
		switch status {
		case bridge.StatusCompleted, bridge.StatusPartial, bridge.StatusFailed, bridge.StatusCancelled:
			fmt.Printf("run finished: status=%s\n", status)
			for _, h := range b.History() {
				fmt.Printf("  %s  completed=%d failed=%d cost=%.4f\n", h.ID, h.CompletedTasks, h.FailedTasks, h.EstimatedCost)
			}
			if status == bridge.StatusFailed {
				return fmt.Errorf("run failed")
			}
			return nil
		case bridge.StatusIdle:
			// Not yet started dispatching; keep polling.
		}

		select {
		case <-ctx.Done():
			b.Cancel("timeout")
			return fmt.Errorf("run timed out after %s", timeout)
		case <-time.After(250 * time.Millisecond):
		}
	}
}
