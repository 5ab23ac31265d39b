// Package orchestrator drives goal execution: it validates planner output
// into a task graph, pumps ready tasks through the dispatcher, feeds results
// through the revision loop, and aggregates per-task outcomes into a goal
// result. Every blocking wait is bounded; a run ends in a terminal status,
// never a silent hang.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"overseer/internal/dispatch"
	"overseer/internal/graph"
	"overseer/internal/logging"
	"overseer/internal/revision"
)

// PlannedTask is one entry of the planner collaborator's decomposition.
type PlannedTask struct {
	ID                 string   `yaml:"id"`
	Description        string   `yaml:"description"`
	Kind               string   `yaml:"kind,omitempty"`
	Swarm              string   `yaml:"swarm,omitempty"`
	Dependencies       []string `yaml:"dependencies,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty"`
	Priority           int      `yaml:"priority,omitempty"`
}

// Planner is the planning collaborator: it turns a goal into task records.
// The core validates structure only, never the semantic content.
type Planner interface {
	Decompose(ctx context.Context, goal string) ([]PlannedTask, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, goal string) ([]PlannedTask, error)

func (f PlannerFunc) Decompose(ctx context.Context, goal string) ([]PlannedTask, error) {
	return f(ctx, goal)
}

// ErrEmptyPlan is returned when a decomposition contains no tasks.
var ErrEmptyPlan = errors.New("plan contains no tasks")

// ErrNoReadyTasks is returned when a plan has tasks but none can ever start.
var ErrNoReadyTasks = errors.New("plan has no ready task")

// ErrDeadlock marks a run that stalled with incomplete tasks: failed
// dependencies gating pending work, or ready tasks no worker can serve.
var ErrDeadlock = errors.New("task graph deadlocked")

// ErrRunTimeout marks a run stopped by the global timeout.
var ErrRunTimeout = errors.New("run timed out")

// BuildGraph validates a decomposition into a task graph: unique ids, known
// dependencies, acyclicity, and a nonempty initial ready set.
func BuildGraph(tasks []PlannedTask) (*graph.Graph, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	g := graph.New()
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id: %q", t.Description)
		}
		if err := g.AddTask(graph.Task{
			ID:                 t.ID,
			Description:        t.Description,
			Kind:               t.Kind,
			Swarm:              t.Swarm,
			Priority:           t.Priority,
			AcceptanceCriteria: t.AcceptanceCriteria,
		}); err != nil {
			return nil, err
		}
	}
	// Edges in a second pass so declaration order in the plan doesn't matter.
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if err := g.AddDependency(t.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	if len(g.ReadyTasks()) == 0 {
		return nil, ErrNoReadyTasks
	}
	return g, nil
}

// GoalStatus is the terminal status of a run.
type GoalStatus string

const (
	GoalCompleted      GoalStatus = "/completed"
	GoalPartialFailure GoalStatus = "/partial_failure"
	GoalDeadlocked     GoalStatus = "/deadlocked"
	GoalTimedOut       GoalStatus = "/timed_out"
	GoalCancelled      GoalStatus = "/cancelled"
)

// TaskOutcome is the per-task entry of a goal result.
type TaskOutcome struct {
	TaskID        string       `json:"task_id"`
	Status        graph.Status `json:"status"`
	Output        string       `json:"output,omitempty"`
	Worker        string       `json:"worker,omitempty"`
	RevisionCount int          `json:"revision_count"`
	RetryCount    int          `json:"retry_count"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// GoalResult aggregates a finished run.
type GoalResult struct {
	RunID     string                 `json:"run_id"`
	Status    GoalStatus             `json:"status"`
	Outcomes  map[string]TaskOutcome `json:"outcomes"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	Blocked   int                    `json:"blocked"`
	Revisions int                    `json:"revisions"` // total revision cycles across tasks
	Elapsed   time.Duration          `json:"elapsed"`
}

// Event is a non-blocking progress notification.
type Event struct {
	Type      string    `json:"type"` // task_started, task_completed, task_failed, task_requeued, task_escalated, task_blocked, run_finished
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Config holds orchestrator policy.
type Config struct {
	GlobalTimeout  time.Duration                  // bound on the whole run; zero means caller's context only
	MaxRevisions   int                            // revision cycles per task before RevisionLimitExceeded
	MaxTaskRetries int                            // re-queues after worker failures, per task
	Swarms         map[string]dispatch.SwarmConfig // named swarms referenced by tasks
}

// Orchestrator coordinates one goal at a time over a process-wide worker pool.
type Orchestrator struct {
	pool     *dispatch.Pool
	reviewer revision.Reviewer
	planner  Planner
	cfg      Config
	archiver revision.Archiver
	events   chan Event
	audit    *logging.AuditLogger
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanner sets the planning collaborator used by Decompose.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithEvents delivers progress events on ch. Sends never block; a full
// channel drops the event.
func WithEvents(ch chan Event) Option {
	return func(o *Orchestrator) { o.events = ch }
}

// WithAudit records run decisions to the audit trail.
func WithAudit(a *logging.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithRevisionArchiver persists revision records through the controller.
func WithRevisionArchiver(a revision.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// New creates an orchestrator over the given pool and reviewer.
func New(pool *dispatch.Pool, reviewer revision.Reviewer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRevisions <= 0 {
		cfg.MaxRevisions = revision.DefaultMaxRevisions
	}
	o := &Orchestrator{
		pool:     pool,
		reviewer: reviewer,
		cfg:      cfg,
		logger:   logging.Get(logging.CategoryOrchestrator),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decompose asks the planner to break the goal down and validates the
// result into a graph.
func (o *Orchestrator) Decompose(ctx context.Context, goal string) (*graph.Graph, error) {
	if o.planner == nil {
		return nil, errors.New("no planner configured")
	}
	tasks, err := o.planner.Decompose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("planner failed: %w", err)
	}
	g, err := BuildGraph(tasks)
	if err != nil {
		return nil, fmt.Errorf("invalid decomposition: %w", err)
	}
	return g, nil
}

// Run executes the graph to a terminal status: every task completed, a
// deadlock, the global timeout, or cancellation. Sibling tasks keep running
// when one task fails; the loss shows up in the result, not as an abort.
func (o *Orchestrator) Run(ctx context.Context, g *graph.Graph) (GoalResult, error) {
	runID := uuid.NewString()
	start := time.Now()

	if o.cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GlobalTimeout)
		defer cancel()
	}

	controller := o.newController(g)
	results := make(chan dispatch.Result, g.Len()+1)
	inFlight := 0

	o.logger.Info("run started", zap.String("run", runID), zap.Int("tasks", g.Len()))
	o.audit.Record(logging.AuditEvent{Type: logging.AuditRunStarted, RunID: runID,
		Fields: map[string]any{"tasks": g.Len()}})

	var status GoalStatus
loop:
	for {
		if ctx.Err() == nil {
			inFlight += o.launchReady(ctx, g, results)
		}

		if inFlight == 0 {
			if ctx.Err() != nil {
				status = timeoutStatus(ctx)
				break loop
			}
			if g.IsGoalSatisfied() {
				status = GoalCompleted
				break loop
			}
			// Nothing in flight and nothing launchable: the run is stuck,
			// either on failed dependencies or on a capability gap.
			blocked := g.MarkDeadlocked()
			for _, id := range blocked {
				o.emit("task_blocked", id, "dependencies can never complete")
				o.audit.Record(logging.AuditEvent{Type: logging.AuditTaskBlocked, TaskID: id, RunID: runID})
			}
			if len(blocked) > 0 || g.HasDeadlock() {
				status = GoalDeadlocked
			} else {
				status = GoalPartialFailure
			}
			break loop
		}

		select {
		case res := <-results:
			inFlight--
			o.handleResult(ctx, g, controller, runID, res)
		case <-ctx.Done():
			// Stop issuing assignments; in-flight work is drained below so
			// every started task is accounted for.
			status = timeoutStatus(ctx)
			break loop
		}
	}

	// Drain whatever is still in flight. Workers observe the cancelled
	// context and each is bounded by its own timeout budget.
	for inFlight > 0 {
		res := <-results
		inFlight--
		o.recordLateResult(g, res)
	}

	result := o.collect(g, runID, status, time.Since(start))
	o.logger.Info("run finished",
		zap.String("run", runID),
		zap.String("status", string(result.Status)),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", result.Elapsed))
	o.auditRunEnd(result)
	o.emit("run_finished", "", string(result.Status))
	return result, result.terminalError()
}

// terminalError maps stalled terminal statuses to their sentinel errors. The
// result is fully populated either way; per-task losses inside an otherwise
// finished run are reported through Outcomes, not as an error.
func (r GoalResult) terminalError() error {
	switch r.Status {
	case GoalDeadlocked:
		return fmt.Errorf("run %s: %w", r.RunID, ErrDeadlock)
	case GoalTimedOut:
		return fmt.Errorf("run %s: %w", r.RunID, ErrRunTimeout)
	default:
		return nil
	}
}

func (o *Orchestrator) newController(g *graph.Graph) *revision.Controller {
	opts := []revision.ControllerOption{revision.WithMaxRevisions(o.cfg.MaxRevisions)}
	if o.archiver != nil {
		opts = append(opts, revision.WithArchiver(o.archiver))
	}
	if o.audit != nil {
		opts = append(opts, revision.WithAudit(o.audit))
	}
	return revision.NewController(g, o.reviewer, opts...)
}

// launchReady starts as many ready tasks as capacity allows, swarm tasks on
// their own goroutines and the rest through the pool. Returns the number
// launched.
func (o *Orchestrator) launchReady(ctx context.Context, g *graph.Graph, results chan<- dispatch.Result) int {
	ready := g.ReadyTasks()
	if len(ready) == 0 {
		return 0
	}

	launched := 0
	var hierarchical []graph.Task
	for _, task := range ready {
		if task.Swarm == "" {
			hierarchical = append(hierarchical, task)
			continue
		}
		cfg, ok := o.cfg.Swarms[task.Swarm]
		if !ok {
			if err := g.MarkFailed(task.ID, fmt.Sprintf("unknown swarm %q", task.Swarm)); err == nil {
				o.emit("task_failed", task.ID, "unknown swarm")
			}
			continue
		}
		if err := g.Assign(task.ID, "swarm:"+task.Swarm); err != nil {
			continue
		}
		launched++
		o.emit("task_started", task.ID, "swarm "+task.Swarm)
		go o.runSwarmTask(ctx, g, task, cfg, results)
	}

	// Individual task ids are announced by the dispatcher's audit trail.
	launched += o.pool.Dispatch(ctx, g, hierarchical, results)
	return launched
}

// runSwarmTask fans one task out to a named swarm and reports the aggregate
// as a single result.
func (o *Orchestrator) runSwarmTask(ctx context.Context, g *graph.Graph, task graph.Task, cfg dispatch.SwarmConfig, results chan<- dispatch.Result) {
	workerID := "swarm:" + cfg.Name
	if err := g.MarkStatus(task.ID, graph.StatusInProgress); err != nil {
		results <- dispatch.Result{TaskID: task.ID, WorkerID: workerID, Err: err}
		return
	}

	swarmResult, err := o.pool.DispatchSwarm(ctx, dispatch.Assignment{
		TaskID:      task.ID,
		Description: task.Description,
		Feedback:    task.Feedback,
	}, cfg)
	if err != nil {
		results <- dispatch.Result{TaskID: task.ID, WorkerID: workerID,
			Err: &dispatch.WorkerFailure{TaskID: task.ID, WorkerID: workerID, Reason: err.Error()}}
		return
	}
	if swarmResult.Outcome == dispatch.SwarmPartialSuccess {
		o.logger.Info("swarm partial success accepted",
			zap.String("task", task.ID),
			zap.Strings("missing", swarmResult.Missing))
	}
	results <- dispatch.Result{TaskID: task.ID, WorkerID: workerID, Output: swarmResult.CombinedOutput()}
}

// handleResult applies one execution result: worker failures go through the
// retry policy, successes through the revision loop.
func (o *Orchestrator) handleResult(ctx context.Context, g *graph.Graph, controller *revision.Controller, runID string, res dispatch.Result) {
	if res.Err != nil {
		o.handleWorkerFailure(g, runID, res)
		return
	}

	if err := g.MarkStatus(res.TaskID, graph.StatusAwaitingReview); err != nil {
		o.logger.Error("cannot submit result for review",
			zap.String("task", res.TaskID), zap.Error(err))
		return
	}

	seq := controller.Allocate(res.TaskID)
	outcome, err := controller.Submit(ctx, res.TaskID, seq, res.Output)
	switch {
	case errors.Is(err, revision.ErrRevisionLimitExceeded):
		// Task-fatal, escalated; siblings keep running.
		o.emit("task_escalated", res.TaskID, "revision limit exceeded")
	case err != nil:
		o.logger.Error("review failed", zap.String("task", res.TaskID), zap.Error(err))
		if markErr := g.MarkFailed(res.TaskID, fmt.Sprintf("review failed: %v", err)); markErr != nil {
			o.logger.Error("cannot fail task", zap.String("task", res.TaskID), zap.Error(markErr))
		}
	case outcome.Disposition == revision.DispositionCompleted:
		o.emit("task_completed", res.TaskID, res.Output)
	case outcome.Disposition == revision.DispositionRequeued:
		o.emit("task_requeued", res.TaskID, outcome.Feedback)
	}
}

// handleWorkerFailure applies the bounded retry policy: transient worker
// failures re-queue the task with revision state preserved until the retry
// budget runs out.
func (o *Orchestrator) handleWorkerFailure(g *graph.Graph, runID string, res dispatch.Result) {
	reason := res.Err.Error()
	var failure *dispatch.WorkerFailure
	if errors.As(res.Err, &failure) {
		reason = failure.Reason
	}

	if err := g.MarkFailed(res.TaskID, reason); err != nil {
		o.logger.Error("cannot fail task", zap.String("task", res.TaskID), zap.Error(err))
		return
	}
	o.audit.Record(logging.AuditEvent{Type: logging.AuditTaskFailed, TaskID: res.TaskID,
		RunID: runID, Message: reason})

	task, ok := g.Task(res.TaskID)
	if ok && task.RetryCount < o.cfg.MaxTaskRetries {
		if err := g.Requeue(res.TaskID); err == nil {
			o.logger.Info("task re-queued after worker failure",
				zap.String("task", res.TaskID),
				zap.Int("retry", task.RetryCount+1),
				zap.String("reason", reason))
			o.audit.Record(logging.AuditEvent{Type: logging.AuditTaskRequeued,
				TaskID: res.TaskID, RunID: runID})
			o.emit("task_requeued", res.TaskID, reason)
			return
		}
	}
	o.emit("task_failed", res.TaskID, reason)
}

// recordLateResult accounts for work that finished after the run stopped
// scheduling. Statuses still move so the final report is truthful.
func (o *Orchestrator) recordLateResult(g *graph.Graph, res dispatch.Result) {
	if res.Err != nil {
		_ = g.MarkFailed(res.TaskID, res.Err.Error())
		return
	}
	// Completed work arriving during shutdown is not reviewed; the task is
	// left awaiting review and reported as incomplete.
	_ = g.MarkStatus(res.TaskID, graph.StatusAwaitingReview)
}

// collect builds the final result from graph state.
func (o *Orchestrator) collect(g *graph.Graph, runID string, status GoalStatus, elapsed time.Duration) GoalResult {
	result := GoalResult{
		RunID:    runID,
		Status:   status,
		Outcomes: make(map[string]TaskOutcome),
		Elapsed:  elapsed,
	}
	for _, t := range g.Tasks() {
		result.Outcomes[t.ID] = TaskOutcome{
			TaskID:        t.ID,
			Status:        t.Status,
			Worker:        t.AssignedWorker,
			RevisionCount: t.RevisionCount,
			RetryCount:    t.RetryCount,
			FailureReason: t.FailureReason,
		}
		result.Revisions += t.RevisionCount
		switch t.Status {
		case graph.StatusCompleted:
			result.Completed++
		case graph.StatusFailed:
			result.Failed++
		case graph.StatusBlocked:
			result.Blocked++
		}
	}
	if result.Status == GoalCompleted && result.Failed > 0 {
		result.Status = GoalPartialFailure
	}
	return result
}

func timeoutStatus(ctx context.Context) GoalStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return GoalTimedOut
	}
	return GoalCancelled
}

func (o *Orchestrator) auditRunEnd(result GoalResult) {
	eventType := logging.AuditRunCompleted
	switch result.Status {
	case GoalDeadlocked:
		eventType = logging.AuditRunDeadlock
	case GoalTimedOut, GoalCancelled:
		eventType = logging.AuditRunTimeout
	}
	o.audit.Record(logging.AuditEvent{Type: eventType, RunID: result.RunID,
		Fields: map[string]any{
			"status":    string(result.Status),
			"completed": result.Completed,
			"failed":    result.Failed,
			"blocked":   result.Blocked,
		}})
}

// emit sends an event without blocking; a full channel drops it.
func (o *Orchestrator) emit(eventType, taskID, message string) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- Event{Type: eventType, Timestamp: time.Now(), TaskID: taskID, Message: message}:
	default:
	}
}
