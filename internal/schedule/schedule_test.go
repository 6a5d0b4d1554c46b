package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupSchedulingWalksGroupsInOrder(t *testing.T) {
	s := New()
	items := []PlanItem{
		{ID: "A", ParallelGroup: 0},
		{ID: "B", ParallelGroup: 0, Dependencies: []string{"A"}},
		{ID: "C", ParallelGroup: 1, Dependencies: []string{"A"}},
		{ID: "D", ParallelGroup: 2, Dependencies: []string{"C"}},
	}

	sched, err := s.BuildSchedule(items)
	require.NoError(t, err)
	require.Len(t, sched.Groups, 3)

	g0 := s.GetNextReadyGroup()
	require.NotNil(t, g0)
	assert.Equal(t, 0, g0.GroupNumber)

	ready := s.GetReadyTasksInGroup(g0)
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].ID)

	require.NoError(t, s.UpdateTaskStatus("A", StatusCompleted, ""))

	ready = s.GetReadyTasksInGroup(g0)
	require.Len(t, ready, 1)
	assert.Equal(t, "B", ready[0].ID)

	require.NoError(t, s.UpdateTaskStatus("B", StatusCompleted, ""))
	assert.Equal(t, StatusCompleted, g0.Status, "group 0 must complete once A and B are both done")

	g1 := s.GetNextReadyGroup()
	require.NotNil(t, g1)
	assert.Equal(t, 1, g1.GroupNumber)
	readyC := s.GetReadyTasksInGroup(g1)
	require.Len(t, readyC, 1)
	assert.Equal(t, "C", readyC[0].ID)

	require.NoError(t, s.UpdateTaskStatus("C", StatusCompleted, ""))

	g2 := s.GetNextReadyGroup()
	require.NotNil(t, g2)
	assert.Equal(t, 2, g2.GroupNumber)
	readyD := s.GetReadyTasksInGroup(g2)
	require.Len(t, readyD, 1)
	assert.Equal(t, "D", readyD[0].ID)
}

func TestRetryThenSkipCascades(t *testing.T) {
	s := New()
	items := []PlanItem{
		{ID: "X", ParallelGroup: 0},
		{ID: "Y", ParallelGroup: 0, Dependencies: []string{"X"}},
	}
	_, err := s.BuildSchedule(items)
	require.NoError(t, err)

	// Simulate three failed attempts: the first two are retried, the third is terminal.
	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		require.NoError(t, s.UpdateTaskStatus("X", StatusFailed, "boom"))
		if attempt < maxRetries {
			require.NoError(t, s.UpdateTaskStatus("X", StatusPending, ""))
		}
	}

	s.MarkDependentTasksBlocked("X")

	yTask := s.byID["Y"]
	require.NotNil(t, yTask)
	assert.Equal(t, StatusSkipped, yTask.Status)
	assert.Contains(t, yTask.Error, "X")
}

func TestExecutionModeDecisionRules(t *testing.T) {
	cases := []struct {
		name     string
		items    []PlanItem
		wantMode ExecutionMode
	}{
		{
			name:     "high token estimate forces session",
			items:    []PlanItem{{ID: "a", EstimatedTokens: 60_000}},
			wantMode: ModeSession,
		},
		{
			name:     "implement agent type forces session",
			items:    []PlanItem{{ID: "a", AgentType: "implement"}},
			wantMode: ModeSession,
		},
		{
			name:     "many output files forces session",
			items:    []PlanItem{{ID: "a", OutputFiles: []string{"1", "2", "3"}}},
			wantMode: ModeSession,
		},
		{
			name:     "fresh context forces session",
			items:    []PlanItem{{ID: "a", RequiresFreshContext: true}},
			wantMode: ModeSession,
		},
		{
			name:     "small explore tasks go lightweight",
			items:    []PlanItem{{ID: "a", AgentType: "explore", EstimatedTokens: 1000}},
			wantMode: ModeLightweight,
		},
		{
			name:     "unclassifiable mix defaults to session",
			items:    []PlanItem{{ID: "a", AgentType: "test", EstimatedTokens: 20_000}},
			wantMode: ModeSession,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			sched, err := s.BuildSchedule(tc.items)
			require.NoError(t, err)
			require.Len(t, sched.Groups, 1)
			assert.Equal(t, tc.wantMode, sched.Groups[0].ExecutionMode)
		})
	}
}

func TestInvariantDAGOrderingNeverViolated(t *testing.T) {
	s := New()
	items := []PlanItem{
		{ID: "A", ParallelGroup: 0},
		{ID: "B", ParallelGroup: 1, Dependencies: []string{"A"}},
	}
	_, err := s.BuildSchedule(items)
	require.NoError(t, err)

	g0 := s.GetNextReadyGroup()
	require.NotNil(t, g0)
	assert.Equal(t, 0, g0.GroupNumber)

	// Group 1 must not be ready before group 0 (and its task A) completes.
	assert.Nil(t, s.GetNextReadyGroup())

	require.NoError(t, s.UpdateTaskStatus("A", StatusCompleted, ""))

	g1 := s.GetNextReadyGroup()
	require.NotNil(t, g1)
	assert.Equal(t, 1, g1.GroupNumber)
}

func TestInvariantFailurePropagatesAsSkipNeverCompleted(t *testing.T) {
	s := New()
	items := []PlanItem{
		{ID: "A", ParallelGroup: 0},
		{ID: "B", ParallelGroup: 1, Dependencies: []string{"A"}},
		{ID: "C", ParallelGroup: 2, Dependencies: []string{"B"}},
	}
	_, err := s.BuildSchedule(items)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskStatus("A", StatusFailed, "boom"))
	s.MarkDependentTasksBlocked("A")

	assert.Equal(t, StatusSkipped, s.byID["B"].Status)
	assert.Equal(t, StatusSkipped, s.byID["C"].Status, "failure must cascade transitively through B to C")
	assert.NotEqual(t, StatusCompleted, s.byID["B"].Status)
	assert.NotEqual(t, StatusCompleted, s.byID["C"].Status)
}
