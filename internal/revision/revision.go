// Package revision implements the reviewer-gated quality loop. Every task
// result passes through Submit; a rejection re-queues the task with the
// reviewer's feedback attached, bounded by a maximum cycle count. The
// controller is the sole writer of the append-only revision record log.
package revision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"overseer/internal/graph"
	"overseer/internal/logging"
)

// Verdict is a reviewer decision.
type Verdict string

const (
	VerdictApproved Verdict = "/approved"
	VerdictRejected Verdict = "/rejected"
)

// Evaluation is the reviewer collaborator's answer.
type Evaluation struct {
	Verdict  Verdict
	Feedback string
}

// Reviewer is the reviewer collaborator: it judges an opaque output against
// opaque acceptance criteria. The core never interprets either.
type Reviewer interface {
	Evaluate(ctx context.Context, output string, criteria []string) (Evaluation, error)
}

// ReviewerFunc adapts a function to the Reviewer interface.
type ReviewerFunc func(ctx context.Context, output string, criteria []string) (Evaluation, error)

func (f ReviewerFunc) Evaluate(ctx context.Context, output string, criteria []string) (Evaluation, error) {
	return f(ctx, output, criteria)
}

// Record is one reviewer verdict. Records are append-only: created on every
// verdict, retained for the task's lifetime, never mutated.
type Record struct {
	TaskID    string    `json:"task_id"`
	Cycle     int       `json:"cycle"` // 1-based review cycle
	Seq       uint64    `json:"seq"`   // submission sequence number
	Verdict   Verdict   `json:"verdict"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Archiver persists revision records beyond the life of the graph.
// Satisfied by store.Store.
type Archiver interface {
	AppendRevisionRecord(rec Record) error
}

// Disposition says what happened to the task as a result of a submission.
type Disposition string

const (
	DispositionCompleted Disposition = "/completed" // approved, task is done
	DispositionRequeued  Disposition = "/requeued"  // rejected, re-queued with feedback
	DispositionFailed    Disposition = "/failed"    // rejected at the revision limit
)

// Outcome is the controller's answer to one submission.
type Outcome struct {
	Disposition   Disposition
	Verdict       Verdict
	Feedback      string
	RevisionCount int // task's revision count after this submission
}

// ErrRevisionLimitExceeded marks a task that was rejected at its final
// allowed cycle. Task-fatal; escalated to the orchestrator, never dropped.
var ErrRevisionLimitExceeded = errors.New("revision limit exceeded")

// ErrStaleSequence is returned for a submission whose sequence number was
// never allocated for the task.
var ErrStaleSequence = errors.New("submission sequence was not allocated")

// DefaultMaxRevisions bounds revision cycles when no limit is configured.
const DefaultMaxRevisions = 3

// Controller wraps task results in the reviewer quality gate.
type Controller struct {
	mu           sync.Mutex
	g            *graph.Graph
	reviewer     Reviewer
	maxRevisions int
	records      map[string][]Record
	nextSeq      map[string]uint64
	processed    map[string]map[uint64]Outcome // idempotency cache
	archiver     Archiver
	audit        *logging.AuditLogger
	logger       *zap.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMaxRevisions overrides the revision cycle bound.
func WithMaxRevisions(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxRevisions = n
		}
	}
}

// WithArchiver mirrors every record into persistent storage.
func WithArchiver(a Archiver) ControllerOption {
	return func(c *Controller) { c.archiver = a }
}

// WithAudit records verdicts to the audit trail.
func WithAudit(a *logging.AuditLogger) ControllerOption {
	return func(c *Controller) { c.audit = a }
}

// NewController creates a revision controller over the given graph.
func NewController(g *graph.Graph, reviewer Reviewer, opts ...ControllerOption) *Controller {
	c := &Controller{
		g:            g,
		reviewer:     reviewer,
		maxRevisions: DefaultMaxRevisions,
		records:      make(map[string][]Record),
		nextSeq:      make(map[string]uint64),
		processed:    make(map[string]map[uint64]Outcome),
		logger:       logging.Get(logging.CategoryRevision),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allocate reserves the next submission sequence number for a task. Each
// execution result gets its own number; resubmitting under the same number
// is a no-op returning the recorded outcome.
func (c *Controller) Allocate(taskID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq[taskID]++
	return c.nextSeq[taskID]
}

// Submit runs the reviewer over a task result and applies the verdict.
// Idempotent per (taskID, seq): a duplicate submission after a crash returns
// the original outcome and error without double-counting the revision.
func (c *Controller) Submit(ctx context.Context, taskID string, seq uint64, output string) (Outcome, error) {
	c.mu.Lock()
	if done, ok := c.processed[taskID][seq]; ok {
		c.mu.Unlock()
		c.logger.Debug("duplicate submission ignored",
			zap.String("task", taskID), zap.Uint64("seq", seq))
		return done, replayError(taskID, done)
	}
	if seq == 0 || seq > c.nextSeq[taskID] {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: task %s seq %d", ErrStaleSequence, taskID, seq)
	}
	c.mu.Unlock()

	task, ok := c.g.Task(taskID)
	if !ok {
		return Outcome{}, graph.ErrUnknownTask
	}

	eval, err := c.reviewer.Evaluate(ctx, output, task.AcceptanceCriteria)
	if err != nil {
		return Outcome{}, fmt.Errorf("reviewer failed for task %s: %w", taskID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the lock: a concurrent duplicate may have won the race.
	if done, ok := c.processed[taskID][seq]; ok {
		return done, replayError(taskID, done)
	}

	rec := Record{
		TaskID:    taskID,
		Cycle:     task.RevisionCount + 1,
		Seq:       seq,
		Verdict:   eval.Verdict,
		Feedback:  eval.Feedback,
		Timestamp: time.Now(),
	}
	c.records[taskID] = append(c.records[taskID], rec)
	if c.archiver != nil {
		if err := c.archiver.AppendRevisionRecord(rec); err != nil {
			c.logger.Warn("failed to archive revision record",
				zap.String("task", taskID), zap.Error(err))
		}
	}

	outcome, err := c.applyVerdict(task, eval)
	if err != nil && !errors.Is(err, ErrRevisionLimitExceeded) {
		return Outcome{}, err
	}
	c.remember(taskID, seq, outcome)
	return outcome, err
}

// applyVerdict transitions the task per the verdict. Caller holds the lock.
func (c *Controller) applyVerdict(task graph.Task, eval Evaluation) (Outcome, error) {
	switch eval.Verdict {
	case VerdictApproved:
		if err := c.g.MarkStatus(task.ID, graph.StatusCompleted); err != nil {
			return Outcome{}, err
		}
		c.audit.Record(logging.AuditEvent{
			Type:   logging.AuditReviewApproved,
			TaskID: task.ID,
			Fields: map[string]any{"cycle": task.RevisionCount + 1},
		})
		return Outcome{
			Disposition:   DispositionCompleted,
			Verdict:       VerdictApproved,
			Feedback:      eval.Feedback,
			RevisionCount: task.RevisionCount,
		}, nil

	case VerdictRejected:
		if err := c.g.RequeueForRevision(task.ID, eval.Feedback); err != nil {
			return Outcome{}, err
		}
		newCount := task.RevisionCount + 1
		c.audit.Record(logging.AuditEvent{
			Type:    logging.AuditReviewRejected,
			TaskID:  task.ID,
			Message: eval.Feedback,
			Fields:  map[string]any{"revision_count": newCount},
		})

		if newCount >= c.maxRevisions {
			if err := c.g.MarkFailed(task.ID, "revision limit exceeded"); err != nil {
				return Outcome{}, err
			}
			c.audit.Record(logging.AuditEvent{
				Type:   logging.AuditRevisionLimit,
				TaskID: task.ID,
				Fields: map[string]any{"limit": c.maxRevisions},
			})
			c.logger.Warn("revision limit exceeded",
				zap.String("task", task.ID), zap.Int("limit", c.maxRevisions))
			return Outcome{
				Disposition:   DispositionFailed,
				Verdict:       VerdictRejected,
				Feedback:      eval.Feedback,
				RevisionCount: newCount,
			}, fmt.Errorf("task %s: %w", task.ID, ErrRevisionLimitExceeded)
		}

		return Outcome{
			Disposition:   DispositionRequeued,
			Verdict:       VerdictRejected,
			Feedback:      eval.Feedback,
			RevisionCount: newCount,
		}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown verdict %q for task %s", eval.Verdict, task.ID)
	}
}

// replayError reconstructs the error the original submission returned, so a
// replay is indistinguishable from the first call for errors.Is callers.
func replayError(taskID string, o Outcome) error {
	if o.Disposition == DispositionFailed {
		return fmt.Errorf("task %s: %w", taskID, ErrRevisionLimitExceeded)
	}
	return nil
}

func (c *Controller) remember(taskID string, seq uint64, outcome Outcome) {
	if c.processed[taskID] == nil {
		c.processed[taskID] = make(map[uint64]Outcome)
	}
	c.processed[taskID][seq] = outcome
}

// Records returns a copy of the revision log for a task, in verdict order.
func (c *Controller) Records(taskID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records[taskID]...)
}
