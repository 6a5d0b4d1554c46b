// Package main implements the warden CLI - an autonomous agent
// orchestration core that drives multi-task execution plans through a
// group scheduler, a model selector, and a spawn orchestrator, while
// watching its own controlling terminal for idle/plan-mode states.
//
// # File Index
//
//   - main.go     - entry point, rootCmd, global flags, bootstrap
//   - run.go      - runCmd: build a schedule from a plan file and drive it to completion
//   - spawn.go    - spawnCmd: launch a single ad-hoc task spec and wait for its result
//   - schedule.go - scheduleCmd: dry-run a plan file's groups and model selections
//   - monitor.go  - monitorCmd: watch a tmux session's idle/plan state (C1-C4)
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - autonomous agent orchestration core",
	Long: `warden drives a multi-task execution plan through a dependency-aware
group scheduler, picks a model per task, and supervises spawned child
agents to completion, while watching its own terminal for idle and
plan-approval states.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "warden.yaml", "Path to warden config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 25*time.Minute, "Overall operation timeout")

	rootCmd.AddCommand(runCmd, spawnCmd, monitorCmd, scheduleCmd)
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		return os.Getwd()
	}
	return filepath.Abs(ws)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
