package graph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTask_UnknownDependency(t *testing.T) {
	g := New()
	err := g.AddTask(Task{ID: "b", Dependencies: []string{"a"}})
	require.Error(t, err)

	var unknown *UnknownDependencyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "b", unknown.TaskID)
	assert.Equal(t, "a", unknown.Missing)
	assert.True(t, errors.Is(err, ErrStructural))
	assert.Equal(t, 0, g.Len(), "failed add must leave graph unchanged")
}

func TestAddTask_Duplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	err := g.AddTask(Task{ID: "a"})

	var dup *DuplicateTaskError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 1, g.Len())
}

func TestAddDependency_CycleRejectedAtomically(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.AddTask(Task{ID: "b", Dependencies: []string{"a"}}))

	before := g.Tasks()

	// Closing edge a -> b would create a -> b -> a.
	err := g.AddDependency("a", "b")
	require.Error(t, err)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.True(t, errors.Is(err, ErrStructural))
	assert.Equal(t, "a", cycle.TaskID)

	after := g.Tasks()
	if diff := cmp.Diff(before, after, cmp.AllowUnexported(Task{})); diff != "" {
		t.Errorf("graph changed by rejected edge (-before +after):\n%s", diff)
	}
}

func TestAddDependency_LongerCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.AddTask(Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, g.AddTask(Task{ID: "c", Dependencies: []string{"b"}}))

	err := g.AddDependency("a", "c")
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
}

func TestAddDependency_CycleCheckScalesOnDiamondLadder(t *testing.T) {
	// A ladder of stacked diamonds: each layer's two middle tasks depend on
	// the previous apex. A cycle check that re-explores shared dependencies
	// takes 2^layers steps here; a linear walk finishes instantly.
	const layers = 30
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "apex0"}))
	for i := 1; i <= layers; i++ {
		prev := fmt.Sprintf("apex%d", i-1)
		left := fmt.Sprintf("l%d", i)
		right := fmt.Sprintf("r%d", i)
		require.NoError(t, g.AddTask(Task{ID: left, Dependencies: []string{prev}}))
		require.NoError(t, g.AddTask(Task{ID: right, Dependencies: []string{prev}}))
		require.NoError(t, g.AddTask(Task{ID: fmt.Sprintf("apex%d", i), Dependencies: []string{left, right}}))
	}

	done := make(chan error, 1)
	go func() {
		done <- g.AddDependency("apex0", fmt.Sprintf("apex%d", layers))
	}()
	select {
	case err := <-done:
		var cycle *CycleError
		require.True(t, errors.As(err, &cycle))
	case <-time.After(5 * time.Second):
		t.Fatal("cycle check did not finish; dependency walk is not linear")
	}
}

func TestReadyTasks_NeverReturnsGatedTask(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.AddTask(Task{ID: "b", Dependencies: []string{"a"}}))
	require.NoError(t, g.AddTask(Task{ID: "c", Dependencies: []string{"a"}}))

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	// Completing a unlocks b and c in insertion order.
	require.NoError(t, g.Assign("a", "w1"))
	require.NoError(t, g.MarkStatus("a", StatusInProgress))
	require.NoError(t, g.MarkStatus("a", StatusAwaitingReview))
	require.NoError(t, g.MarkStatus("a", StatusCompleted))

	ready = g.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)
}

func TestReadyTasks_PriorityThenInsertionOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "low", Priority: 1}))
	require.NoError(t, g.AddTask(Task{ID: "high", Priority: 5}))
	require.NoError(t, g.AddTask(Task{ID: "also-high", Priority: 5}))

	ready := g.ReadyTasks()
	require.Len(t, ready, 3)
	assert.Equal(t, "high", ready[0].ID)
	assert.Equal(t, "also-high", ready[1].ID, "equal priority breaks ties by insertion order")
	assert.Equal(t, "low", ready[2].ID)
}

func TestReadyTasks_RevisionBeforeNewSiblings(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "struggling"}))
	require.NoError(t, g.AddTask(Task{ID: "fresh", Priority: 10}))

	require.NoError(t, g.Assign("struggling", "w1"))
	require.NoError(t, g.MarkStatus("struggling", StatusInProgress))
	require.NoError(t, g.MarkStatus("struggling", StatusAwaitingReview))
	require.NoError(t, g.RequeueForRevision("struggling", "needs more detail"))

	ready := g.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "struggling", ready[0].ID,
		"a task carrying revision feedback runs before newer siblings regardless of priority")
	assert.Equal(t, []string{"needs more detail"}, ready[0].Feedback)
	assert.Equal(t, 1, ready[0].RevisionCount)
}

func TestMarkStatus_InvalidTransition(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))

	err := g.MarkStatus("a", StatusCompleted)
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusPending, invalid.From)
	assert.Equal(t, StatusCompleted, invalid.To)

	tk, _ := g.Task("a")
	assert.Equal(t, StatusPending, tk.Status, "failed transition must not change status")
}

func TestMarkStatus_UnknownTask(t *testing.T) {
	g := New()
	assert.ErrorIs(t, g.MarkStatus("ghost", StatusReady), ErrUnknownTask)
}

func TestAssign_ClearsOnFailure(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.Assign("a", "w1"))

	tk, _ := g.Task("a")
	assert.Equal(t, StatusAssigned, tk.Status)
	assert.Equal(t, "w1", tk.AssignedWorker)

	require.NoError(t, g.MarkFailed("a", "worker crashed"))
	tk, _ = g.Task("a")
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Empty(t, tk.AssignedWorker)
	assert.Equal(t, "worker crashed", tk.FailureReason)
}

func TestAssign_BlockedByDependency(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.AddTask(Task{ID: "b", Dependencies: []string{"a"}}))

	err := g.Assign("b", "w1")
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "assigning a gated task is a logic error")
}

func TestRequeue_PreservesRevisionCount(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.Assign("a", "w1"))
	require.NoError(t, g.MarkStatus("a", StatusInProgress))
	require.NoError(t, g.MarkStatus("a", StatusAwaitingReview))
	require.NoError(t, g.RequeueForRevision("a", "try again"))

	require.NoError(t, g.Assign("a", "w1"))
	require.NoError(t, g.MarkStatus("a", StatusInProgress))
	require.NoError(t, g.MarkFailed("a", "worker died"))
	require.NoError(t, g.Requeue("a"))

	tk, _ := g.Task("a")
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, 1, tk.RevisionCount, "retry must preserve revision count")
	assert.Equal(t, 1, tk.RetryCount)
}

func TestGoalSatisfiedAndDeadlock(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a"}))
	require.NoError(t, g.AddTask(Task{ID: "b", Dependencies: []string{"a"}}))

	assert.False(t, g.IsGoalSatisfied())
	assert.False(t, g.HasDeadlock(), "a is ready, no deadlock")

	// a fails terminally: b can never become ready.
	require.NoError(t, g.MarkFailed("a", "boom"))
	assert.True(t, g.HasDeadlock())

	blocked := g.MarkDeadlocked()
	assert.Equal(t, []string{"b"}, blocked)

	tk, _ := g.Task("b")
	assert.Equal(t, StatusBlocked, tk.Status)
}

func TestTaskCopiesDoNotAliasGraphState(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(Task{ID: "a", AcceptanceCriteria: []string{"compiles"}}))

	tk, _ := g.Task("a")
	tk.AcceptanceCriteria[0] = "mutated"
	tk.Status = StatusCompleted

	fresh, _ := g.Task("a")
	assert.Equal(t, "compiles", fresh.AcceptanceCriteria[0])
	assert.Equal(t, StatusPending, fresh.Status)
}
