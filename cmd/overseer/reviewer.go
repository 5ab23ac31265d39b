package main

import (
	"context"
	"fmt"
	"strings"

	"overseer/internal/revision"
)

// criteriaReviewer approves output that contains every acceptance criterion
// as a substring. Simple but deterministic; richer reviewers plug in through
// the same interface.
type criteriaReviewer struct{}

func (criteriaReviewer) Evaluate(ctx context.Context, output string, criteria []string) (revision.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return revision.Evaluation{}, err
	}

	var missing []string
	for _, c := range criteria {
		if !strings.Contains(output, c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return revision.Evaluation{
			Verdict:  revision.VerdictRejected,
			Feedback: fmt.Sprintf("output does not satisfy: %s", strings.Join(missing, "; ")),
		}, nil
	}
	return revision.Evaluation{Verdict: revision.VerdictApproved}, nil
}
