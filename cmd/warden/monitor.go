package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/buffer"
	"warden/internal/checker"
	"warden/internal/config"
	"warden/internal/probe"
	"warden/internal/runsummary"
)

var monitorSession string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a tmux session's terminal output for idle and plan-approval states",
	RunE:  runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorSession, "session", "", "tmux session name to watch (required)")
	monitorCmd.MarkFlagRequired("session")
}

// capturePane reads the given tmux session's full scrollback via
// capture-pane, the read half of the tmux-as-terminal-multiplexer
// collaboration probe.TmuxMuxer writes into.
func capturePane(session string) ([]byte, error) {
	out, err := exec.Command("tmux", "capture-pane", "-p", "-t", session, "-S", "-").Output()
	if err != nil {
		return nil, fmt.Errorf("tmux capture-pane: %w", err)
	}
	return out, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	buf := buffer.New(monitorSession, cfg.Buffer.MaxBytes, cfg.Buffer.TrimBytes)
	runner := probe.NewRunner(probe.TmuxMuxer{}, cfg.Probe.TempDir, "assistant")
	idleChecker := checker.New(monitorSession, checker.IdleDomain, cfg.Checker.Idle, runner)
	planChecker := checker.New(monitorSession, checker.PlanDomain, cfg.Checker.Plan, runner)
	tracker := runsummary.New(monitorSession, monitorSession)
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Probe.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("monitor stopped: timeout reached")
			return nil
		case <-ticker.C:
			data, err := capturePane(monitorSession)
			if err != nil {
				tracker.AddEvent("captureError", runsummary.SeverityWarning, "capture-pane failed", err.Error(), nil)
				continue
			}
			buf.Append(data)

			now := time.Now()
			idleChecker.Tick(now)
			planChecker.Tick(now)

			if err := idleChecker.Check(ctx, buf); err != nil && !errors.Is(err, checker.ErrBusy) {
				tracker.AddEvent("idleCheckError", runsummary.SeverityError, "idle check failed", err.Error(), nil)
			}
			if err := planChecker.Check(ctx, buf); err != nil && !errors.Is(err, checker.ErrBusy) {
				tracker.AddEvent("planCheckError", runsummary.SeverityError, "plan check failed", err.Error(), nil)
			}

			switch idleChecker.Snapshot().LastResult {
			case "IDLE":
				tracker.RecordIdle()
			case "WORKING":
				tracker.RecordWorking()
			}
			if planChecker.Snapshot().LastResult == "PLAN_MODE" {
				tracker.RecordStateChange("planMode")
			}

			stats := tracker.Stats()
			fmt.Printf("\ridle=%s plan=%s transitions=%d warnings=%d errors=%d",
				idleChecker.Status(), planChecker.Status(), stats.StateTransitions, stats.Warnings, stats.Errors)
		}
	}
}
