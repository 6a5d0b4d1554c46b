// Package model implements the deterministic model-selection function
// (C6): a pure mapping from a task's hints to a model identifier and
// a human-readable reason, with no I/O.
package model

import "warden/internal/config"

// TaskHint is the subset of a scheduled task's fields the selector
// needs. It intentionally mirrors schedule.GroupTask's relevant
// fields rather than importing that package, keeping C6 decoupled.
type TaskHint struct {
	ID                   string
	RecommendedModel     string
	EstimatedTokens      int
	AgentType            string
}

// Selection is the result of Select.
type Selection struct {
	Model                  string
	Reason                 string
	OptimizerRecommendation string
}

// Select picks a model for a task, in this priority order:
//  1. an explicit per-task override in cfg.Overrides;
//  2. RecommendedModel, if it names a known tier;
//  3. EstimatedTokens > 50000 -> "deep";
//  4. AgentType in {implement, review} -> "deep";
//  5. AgentType == "test" or EstimatedTokens > 15000 -> "balanced";
//  6. otherwise "fast".
func Select(cfg config.ModelConfig, t TaskHint) Selection {
	if override, ok := cfg.Overrides[t.ID]; ok {
		return Selection{
			Model:  cfg.Resolve(override),
			Reason: "explicit override for task " + t.ID,
		}
	}

	if t.RecommendedModel != "" {
		if resolved, ok := cfg.Tiers[t.RecommendedModel]; ok {
			return Selection{
				Model:                   resolved,
				Reason:                  "task recommended tier " + t.RecommendedModel,
				OptimizerRecommendation: t.RecommendedModel,
			}
		}
	}

	if t.EstimatedTokens > 50_000 {
		return Selection{Model: cfg.Resolve("deep"), Reason: "estimated tokens exceed 50000"}
	}

	if t.AgentType == "implement" || t.AgentType == "review" {
		return Selection{Model: cfg.Resolve("deep"), Reason: "agent type " + t.AgentType + " requires deep tier"}
	}

	if t.AgentType == "test" || t.EstimatedTokens > 15_000 {
		return Selection{Model: cfg.Resolve("balanced"), Reason: "test agent type or moderate token estimate"}
	}

	return Selection{Model: cfg.Resolve("fast"), Reason: "default tier"}
}
