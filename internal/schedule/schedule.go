// Package schedule builds and drives an execution schedule over a set
// of dependent plan items (C5): grouping by parallel group, computing
// group-level dependencies, deciding an execution mode per group, and
// tracking per-task/per-group/per-schedule status as tasks complete.
package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/internal/logging"
)

// TaskStatus is a task or group's lifecycle status.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
	StatusPartial   TaskStatus = "partial"
)

// ExecutionMode is the decided dispatch strategy for a group.
type ExecutionMode string

const (
	ModeSession     ExecutionMode = "session"
	ModeLightweight ExecutionMode = "lightweight"
)

// PlanItem is the caller-supplied input to buildSchedule.
type PlanItem struct {
	ID                   string   `yaml:"id"`
	Title                string   `yaml:"title"`
	Description          string   `yaml:"description"`
	ParallelGroup        int      `yaml:"parallelGroup"`
	AgentType            string   `yaml:"agentType"`
	RecommendedModel     string   `yaml:"recommendedModel"`
	RequiresFreshContext bool     `yaml:"requiresFreshContext"`
	EstimatedTokens      int      `yaml:"estimatedTokens"`
	InputFiles           []string `yaml:"inputFiles"`
	OutputFiles          []string `yaml:"outputFiles"`
	Dependencies         []string `yaml:"dependencies"`
}

// GroupTask is a PlanItem annotated with live scheduling state.
type GroupTask struct {
	PlanItem
	Status            TaskStatus
	RetryCount        int
	Error             string
	ResolvedAgentType string
}

// ExecutionGroup is a set of tasks intended for bounded parallel
// execution once their group-level dependencies are satisfied.
type ExecutionGroup struct {
	GroupNumber             int
	Tasks                   []*GroupTask
	Status                  TaskStatus
	ExecutionMode           ExecutionMode
	ExecutionModeRationale  string
	DependsOnGroups         []int
	StartedAt               *time.Time
	CompletedAt             *time.Time
	CompletedCount          int
	FailedCount             int
	SkippedCount            int
}

// Schedule is the full built plan.
type Schedule struct {
	Groups          []*ExecutionGroup // ascending by GroupNumber
	TotalTasks      int
	CompletedTasks  int
	FailedTasks     int
	CurrentGroupIdx int
	Status          TaskStatus
}

// Event is emitted on the scheduler's event stream.
type Event struct {
	Kind        string // scheduleBuilt | taskStatusChanged | groupCompleted | scheduleCompleted
	TaskID      string
	GroupNumber int
	NewStatus   TaskStatus
	Reason      string
}

// Scheduler owns one built Schedule and exposes the operations that
// mutate it. All state is guarded by a single mutex: the scheduler is
// the sole writer of task/group status, per the spec's shared-
// resource policy.
type Scheduler struct {
	mu       sync.Mutex
	schedule *Schedule
	byID     map[string]*GroupTask
	groupOf  map[string]int // task id -> group number

	events chan Event
}

// New creates an empty Scheduler. Call BuildSchedule before any other
// operation.
func New() *Scheduler {
	return &Scheduler{
		byID:    make(map[string]*GroupTask),
		groupOf: make(map[string]int),
		events:  make(chan Event, 64),
	}
}

// Events returns the scheduler's event stream.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Schedule returns the current schedule. Callers must not mutate the
// returned value directly; use the Scheduler's methods.
func (s *Scheduler) Schedule() *Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// BuildSchedule buckets items by ParallelGroup (default 0), computes
// each group's DependsOnGroups and ExecutionMode, and emits
// scheduleBuilt.
func (s *Scheduler) BuildSchedule(items []PlanItem) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := map[int][]*GroupTask{}
	groupOf := map[string]int{}
	byID := map[string]*GroupTask{}

	for _, item := range items {
		t := &GroupTask{
			PlanItem:          item,
			Status:            StatusPending,
			ResolvedAgentType: resolveAgentType(item.AgentType),
		}
		buckets[item.ParallelGroup] = append(buckets[item.ParallelGroup], t)
		groupOf[item.ID] = item.ParallelGroup
		byID[item.ID] = t
	}

	groupNumbers := make([]int, 0, len(buckets))
	for g := range buckets {
		groupNumbers = append(groupNumbers, g)
	}
	sort.Ints(groupNumbers)

	groups := make([]*ExecutionGroup, 0, len(groupNumbers))
	for _, gn := range groupNumbers {
		tasks := buckets[gn]
		depsOn := dependsOnGroups(tasks, groupOf, gn)
		mode, rationale := decideExecutionMode(tasks)

		groups = append(groups, &ExecutionGroup{
			GroupNumber:            gn,
			Tasks:                  tasks,
			Status:                 StatusPending,
			ExecutionMode:          mode,
			ExecutionModeRationale: rationale,
			DependsOnGroups:        depsOn,
		})
	}

	s.schedule = &Schedule{
		Groups:     groups,
		TotalTasks: len(items),
		Status:     StatusPending,
	}
	s.byID = byID
	s.groupOf = groupOf

	s.emit(Event{Kind: "scheduleBuilt"})
	return s.schedule, nil
}

// dependsOnGroups computes, for the tasks in group gn, the set of
// strictly earlier groups containing any dependency.
func dependsOnGroups(tasks []*GroupTask, groupOf map[string]int, gn int) []int {
	seen := map[int]bool{}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dg, ok := groupOf[dep]; ok && dg < gn {
				seen[dg] = true
			}
		}
	}
	out := make([]int, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// decideExecutionMode applies the first matching rule across all
// tasks in the group, in the order given by the spec.
func decideExecutionMode(tasks []*GroupTask) (ExecutionMode, string) {
	for _, t := range tasks {
		if t.EstimatedTokens > 50_000 {
			return ModeSession, fmt.Sprintf("task %s estimates more than 50000 tokens", t.ID)
		}
	}
	for _, t := range tasks {
		if t.ResolvedAgentType == "implement" || t.ResolvedAgentType == "review" {
			return ModeSession, fmt.Sprintf("task %s is agent type %s", t.ID, t.ResolvedAgentType)
		}
	}
	for _, t := range tasks {
		if len(t.OutputFiles) > 2 {
			return ModeSession, fmt.Sprintf("task %s touches more than 2 output files", t.ID)
		}
	}
	for _, t := range tasks {
		if t.RequiresFreshContext {
			return ModeSession, fmt.Sprintf("task %s requires fresh context", t.ID)
		}
	}

	allLight := true
	for _, t := range tasks {
		lowTokens := t.EstimatedTokens == 0 || t.EstimatedTokens < 15_000
		lightType := t.ResolvedAgentType == "explore" || t.ResolvedAgentType == "general"
		if !lowTokens || !lightType {
			allLight = false
			break
		}
	}
	if allLight {
		return ModeLightweight, "all tasks are low-estimate explore/general work"
	}

	return ModeSession, "default for safety"
}

func resolveAgentType(agentType string) string {
	if agentType == "" {
		return "general"
	}
	return agentType
}

// GetNextReadyGroup scans groups in ascending order and returns the
// first pending group whose DependsOnGroups are all completed or
// partial, flipping its status to ready.
func (s *Scheduler) GetNextReadyGroup() *ExecutionGroup {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.schedule.Groups {
		if g.Status != StatusPending {
			continue
		}
		if s.dependenciesSatisfied(g) {
			g.Status = StatusReady
			now := time.Now()
			g.StartedAt = &now
			return g
		}
	}
	return nil
}

func (s *Scheduler) dependenciesSatisfied(g *ExecutionGroup) bool {
	for _, dg := range g.DependsOnGroups {
		dep := s.groupByNumber(dg)
		if dep == nil {
			continue
		}
		if dep.Status != StatusCompleted && dep.Status != StatusPartial {
			return false
		}
	}
	return true
}

func (s *Scheduler) groupByNumber(n int) *ExecutionGroup {
	for _, g := range s.schedule.Groups {
		if g.GroupNumber == n {
			return g
		}
	}
	return nil
}

// GetReadyTasksInGroup returns the tasks in g that are pending and
// whose dependencies (which may live in any group) are all completed.
func (s *Scheduler) GetReadyTasksInGroup(g *ExecutionGroup) []*GroupTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*GroupTask
	for _, t := range g.Tasks {
		if t.Status != StatusPending {
			continue
		}
		if s.allDepsCompleted(t) {
			ready = append(ready, t)
		}
	}
	return ready
}

func (s *Scheduler) allDepsCompleted(t *GroupTask) bool {
	for _, dep := range t.Dependencies {
		dt, ok := s.byID[dep]
		if !ok || dt.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// UpdateTaskStatus updates a task's status and counters, emits
// taskStatusChanged, and checks for group/schedule completion.
func (s *Scheduler) UpdateTaskStatus(id string, newStatus TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("schedule: unknown task %q", id)
	}

	task.Status = newStatus
	if errMsg != "" {
		task.Error = errMsg
	}
	s.emit(Event{Kind: "taskStatusChanged", TaskID: id, NewStatus: newStatus})

	switch newStatus {
	case StatusCompleted:
		s.schedule.CompletedTasks++
	case StatusFailed:
		s.schedule.FailedTasks++
	}

	if newStatus == StatusCompleted || newStatus == StatusFailed || newStatus == StatusSkipped {
		gn := s.groupOf[id]
		g := s.groupByNumber(gn)
		if g != nil {
			s.checkGroupCompletion(g)
		}
	}

	return nil
}

func (s *Scheduler) checkGroupCompletion(g *ExecutionGroup) {
	completed, failed, skipped, pendingOrRunning := 0, 0, 0, 0
	for _, t := range g.Tasks {
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		case StatusPending, StatusRunning:
			pendingOrRunning++
		}
	}

	if pendingOrRunning > 0 {
		return
	}

	g.CompletedCount = completed
	g.FailedCount = failed
	g.SkippedCount = skipped
	now := time.Now()
	g.CompletedAt = &now

	switch {
	case failed == 0 && skipped == 0:
		g.Status = StatusCompleted
	case completed > 0:
		g.Status = StatusPartial
	default:
		g.Status = StatusFailed
	}

	s.emit(Event{Kind: "groupCompleted", GroupNumber: g.GroupNumber, NewStatus: g.Status})
	s.checkScheduleCompletion()
}

func (s *Scheduler) checkScheduleCompletion() {
	for _, g := range s.schedule.Groups {
		if g.Status == StatusPending || g.Status == StatusReady || g.Status == StatusRunning {
			return
		}
	}

	anyFailed, anyPartial := false, false
	for _, g := range s.schedule.Groups {
		switch g.Status {
		case StatusFailed:
			anyFailed = true
		case StatusPartial:
			anyPartial = true
		}
	}

	switch {
	case anyFailed && !anyPartial:
		s.schedule.Status = StatusFailed
	case anyFailed || anyPartial:
		s.schedule.Status = StatusPartial
	default:
		s.schedule.Status = StatusCompleted
	}

	s.emit(Event{Kind: "scheduleCompleted", NewStatus: s.schedule.Status})
}

// MarkDependentTasksBlocked transitions every pending task whose
// Dependencies contain failedID to skipped, recursively cascading
// through further dependents.
func (s *Scheduler) MarkDependentTasksBlocked(failedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDependentTasksBlockedLocked(failedID)
}

func (s *Scheduler) markDependentTasksBlockedLocked(failedID string) {
	for _, t := range s.byID {
		if t.Status != StatusPending {
			continue
		}
		if !containsString(t.Dependencies, failedID) {
			continue
		}

		t.Status = StatusSkipped
		t.Error = fmt.Sprintf("Blocked by failed task %s", failedID)
		s.emit(Event{Kind: "taskStatusChanged", TaskID: t.ID, NewStatus: StatusSkipped, Reason: t.Error})
		logging.ScheduleDebug("task %s skipped: %s", t.ID, t.Error)

		gn := s.groupOf[t.ID]
		if g := s.groupByNumber(gn); g != nil {
			s.checkGroupCompletion(g)
		}

		// Cascade: anything depending on this now-skipped task must
		// also be blocked.
		s.markDependentTasksBlockedLocked(t.ID)
	}
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- e:
		default:
		}
	}
}
