package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/config"
	"warden/internal/model"
	"warden/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Build a schedule from a plan file and print its groups without executing it",
	RunE:  runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&planPath, "plan", "plan.yaml", "Path to a plan file (YAML list of plan items)")
}

func runSchedule(cmd *cobra.Command, args []string) error {
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

	for _, g := range sched.Groups {
		fmt.Printf("group %d  mode=%s (%s)  depends_on=%v\n", g.GroupNumber, g.ExecutionMode, g.ExecutionModeRationale, g.DependsOnGroups)
		for _, t := range g.Tasks {
			sel := model.Select(cfg.Model, model.TaskHint{
				ID:               t.ID,
				RecommendedModel: t.RecommendedModel,
				EstimatedTokens:  t.EstimatedTokens,
				AgentType:        t.ResolvedAgentType,
			})
			fmt.Printf("  task %-20s agentType=%-10s model=%s (%s)\n", t.ID, t.ResolvedAgentType, sel.Model, sel.Reason)
		}
	}
	fmt.Printf("total=%d groups=%d\n", sched.TotalTasks, len(sched.Groups))
	return nil
}
