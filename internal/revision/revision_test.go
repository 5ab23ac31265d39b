package revision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/graph"
)

// scriptedReviewer returns canned evaluations in order.
type scriptedReviewer struct {
	evals []Evaluation
	calls int
}

func (r *scriptedReviewer) Evaluate(ctx context.Context, output string, criteria []string) (Evaluation, error) {
	if r.calls >= len(r.evals) {
		return Evaluation{}, errors.New("reviewer script exhausted")
	}
	e := r.evals[r.calls]
	r.calls++
	return e, nil
}

// memoryArchiver collects archived records.
type memoryArchiver struct {
	records []Record
}

func (m *memoryArchiver) AppendRevisionRecord(rec Record) error {
	m.records = append(m.records, rec)
	return nil
}

// submitReady drives a task through assignment and execution so it sits in
// AwaitingReview, then submits the given output.
func submitReady(t *testing.T, g *graph.Graph, c *Controller, taskID, output string) (Outcome, error) {
	t.Helper()
	require.NoError(t, g.Assign(taskID, "w1"))
	require.NoError(t, g.MarkStatus(taskID, graph.StatusInProgress))
	require.NoError(t, g.MarkStatus(taskID, graph.StatusAwaitingReview))
	seq := c.Allocate(taskID)
	return c.Submit(context.Background(), taskID, seq, output)
}

func TestSubmit_ApprovedCompletesTask(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a", AcceptanceCriteria: []string{"builds"}}))

	reviewer := &scriptedReviewer{evals: []Evaluation{{Verdict: VerdictApproved}}}
	c := NewController(g, reviewer)

	outcome, err := submitReady(t, g, c, "a", "output")
	require.NoError(t, err)
	assert.Equal(t, DispositionCompleted, outcome.Disposition)
	assert.Equal(t, 0, outcome.RevisionCount)

	tk, _ := g.Task("a")
	assert.Equal(t, graph.StatusCompleted, tk.Status)
}

func TestSubmit_RejectedTwiceThenApproved(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))

	reviewer := &scriptedReviewer{evals: []Evaluation{
		{Verdict: VerdictRejected, Feedback: "missing tests"},
		{Verdict: VerdictRejected, Feedback: "tests still failing"},
		{Verdict: VerdictApproved},
	}}
	c := NewController(g, reviewer, WithMaxRevisions(3))

	outcome, err := submitReady(t, g, c, "a", "v1")
	require.NoError(t, err)
	assert.Equal(t, DispositionRequeued, outcome.Disposition)
	assert.Equal(t, 1, outcome.RevisionCount)

	tk, _ := g.Task("a")
	assert.Equal(t, []string{"missing tests"}, tk.Feedback,
		"feedback carried forward to the next execution")

	outcome, err = submitReady(t, g, c, "a", "v2")
	require.NoError(t, err)
	assert.Equal(t, DispositionRequeued, outcome.Disposition)
	assert.Equal(t, 2, outcome.RevisionCount)

	outcome, err = submitReady(t, g, c, "a", "v3")
	require.NoError(t, err)
	assert.Equal(t, DispositionCompleted, outcome.Disposition)

	tk, _ = g.Task("a")
	assert.Equal(t, graph.StatusCompleted, tk.Status)
	assert.Equal(t, 2, tk.RevisionCount)
}

func TestSubmit_RevisionLimitExceeded(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))

	reviewer := &scriptedReviewer{evals: []Evaluation{
		{Verdict: VerdictRejected, Feedback: "r1"},
		{Verdict: VerdictRejected, Feedback: "r2"},
		{Verdict: VerdictRejected, Feedback: "r3"},
	}}
	c := NewController(g, reviewer, WithMaxRevisions(3))

	_, err := submitReady(t, g, c, "a", "v1")
	require.NoError(t, err)
	_, err = submitReady(t, g, c, "a", "v2")
	require.NoError(t, err)

	outcome, err := submitReady(t, g, c, "a", "v3")
	require.ErrorIs(t, err, ErrRevisionLimitExceeded)
	assert.Equal(t, DispositionFailed, outcome.Disposition)
	assert.Equal(t, 3, outcome.RevisionCount, "revision count never exceeds the limit")

	tk, _ := g.Task("a")
	assert.Equal(t, graph.StatusFailed, tk.Status)
	assert.Equal(t, "revision limit exceeded", tk.FailureReason)
	assert.Equal(t, 3, tk.RevisionCount)
}

func TestSubmit_IdempotentPerSequence(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))

	reviewer := &scriptedReviewer{evals: []Evaluation{
		{Verdict: VerdictRejected, Feedback: "r1"},
	}}
	c := NewController(g, reviewer)

	require.NoError(t, g.Assign("a", "w1"))
	require.NoError(t, g.MarkStatus("a", graph.StatusInProgress))
	require.NoError(t, g.MarkStatus("a", graph.StatusAwaitingReview))

	seq := c.Allocate("a")
	first, err := c.Submit(context.Background(), "a", seq, "v1")
	require.NoError(t, err)

	// Same (task, seq) again, as after a crash-and-replay.
	second, err := c.Submit(context.Background(), "a", seq, "v1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tk, _ := g.Task("a")
	assert.Equal(t, 1, tk.RevisionCount, "duplicate submission must not double-count")
	assert.Len(t, c.Records("a"), 1, "duplicate submission writes no new record")
	assert.Equal(t, 1, reviewer.calls, "reviewer not consulted for a duplicate")
}

func TestSubmit_ReplayOfLimitVerdictRepeatsError(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))

	reviewer := &scriptedReviewer{evals: []Evaluation{
		{Verdict: VerdictRejected, Feedback: "no"},
	}}
	c := NewController(g, reviewer, WithMaxRevisions(1))

	require.NoError(t, g.Assign("a", "w1"))
	require.NoError(t, g.MarkStatus("a", graph.StatusInProgress))
	require.NoError(t, g.MarkStatus("a", graph.StatusAwaitingReview))

	seq := c.Allocate("a")
	first, err := c.Submit(context.Background(), "a", seq, "v1")
	require.ErrorIs(t, err, ErrRevisionLimitExceeded)
	require.Equal(t, DispositionFailed, first.Disposition)

	// Replay after a crash: same outcome AND same error, so callers
	// branching on errors.Is behave identically on both calls.
	second, err := c.Submit(context.Background(), "a", seq, "v1")
	require.ErrorIs(t, err, ErrRevisionLimitExceeded)
	assert.Equal(t, first, second)

	tk, _ := g.Task("a")
	assert.Equal(t, 1, tk.RevisionCount)
	assert.Len(t, c.Records("a"), 1)
	assert.Equal(t, 1, reviewer.calls)
}

func TestSubmit_UnallocatedSequence(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))
	c := NewController(g, &scriptedReviewer{})

	_, err := c.Submit(context.Background(), "a", 7, "v1")
	assert.ErrorIs(t, err, ErrStaleSequence)
}

func TestSubmit_RecordsAreAppendOnlyAndArchived(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))

	archiver := &memoryArchiver{}
	reviewer := &scriptedReviewer{evals: []Evaluation{
		{Verdict: VerdictRejected, Feedback: "r1"},
		{Verdict: VerdictApproved},
	}}
	c := NewController(g, reviewer, WithArchiver(archiver))

	_, err := submitReady(t, g, c, "a", "v1")
	require.NoError(t, err)
	_, err = submitReady(t, g, c, "a", "v2")
	require.NoError(t, err)

	records := c.Records("a")
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Cycle)
	assert.Equal(t, VerdictRejected, records[0].Verdict)
	assert.Equal(t, 2, records[1].Cycle)
	assert.Equal(t, VerdictApproved, records[1].Verdict)
	assert.Equal(t, records, archiver.records)

	// Mutating the returned slice must not touch the log.
	records[0].Feedback = "tampered"
	assert.Equal(t, "r1", c.Records("a")[0].Feedback)
}

func TestSubmit_ReviewerErrorPropagates(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(graph.Task{ID: "a"}))
	c := NewController(g, &scriptedReviewer{}) // empty script errors immediately

	_, err := submitReady(t, g, c, "a", "v1")
	require.Error(t, err)

	tk, _ := g.Task("a")
	assert.Equal(t, graph.StatusAwaitingReview, tk.Status,
		"reviewer failure leaves the task awaiting review")
}
