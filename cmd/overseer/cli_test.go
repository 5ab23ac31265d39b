package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/dispatch"
	"overseer/internal/revision"
)

func TestCriteriaReviewer(t *testing.T) {
	ctx := context.Background()
	r := criteriaReviewer{}

	eval, err := r.Evaluate(ctx, "build passed, tests passed", []string{"build passed", "tests passed"})
	require.NoError(t, err)
	assert.Equal(t, revision.VerdictApproved, eval.Verdict)

	eval, err = r.Evaluate(ctx, "build passed", []string{"build passed", "tests passed"})
	require.NoError(t, err)
	assert.Equal(t, revision.VerdictRejected, eval.Verdict)
	assert.Contains(t, eval.Feedback, "tests passed")

	// No criteria means nothing to check.
	eval, err = r.Evaluate(ctx, "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, revision.VerdictApproved, eval.Verdict)
}

func TestShellExecutor(t *testing.T) {
	exec := newShellExecutor("w1", "cat")
	out, err := exec.Execute(context.Background(), dispatch.Assignment{
		TaskID:      "t1",
		Description: "hello worker",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello worker", out)

	exec = newShellExecutor("w1", "echo attempt $OVERSEER_ATTEMPT")
	out, err = exec.Execute(context.Background(), dispatch.Assignment{
		TaskID:   "t1",
		Feedback: []string{"more detail", "still more"},
	})
	require.NoError(t, err)
	assert.Equal(t, "attempt 3", out)

	exec = newShellExecutor("w1", "exit 3")
	_, err = exec.Execute(context.Background(), dispatch.Assignment{TaskID: "t1"})
	assert.ErrorContains(t, err, "command failed")
}

func TestProbeMetrics(t *testing.T) {
	m, err := probeMetrics{command: `printf 'throughput 120\nlatency 3.5\n'`}.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"throughput": 120, "latency": 3.5}, m)

	_, err = probeMetrics{command: "true"}.Collect(context.Background())
	assert.ErrorContains(t, err, "no metrics")

	_, err = probeMetrics{command: `echo "score abc"`}.Collect(context.Background())
	assert.Error(t, err)
}
