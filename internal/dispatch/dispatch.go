// Package dispatch assigns ready tasks to registered workers. It supports
// two modes: hierarchical (at most one worker per task, first fit by
// priority) and swarm (the same unit of work fanned out to every member of
// a named swarm, fanned back in under a quorum rule).
//
// The pool exclusively owns worker load accounting. Acquiring a slot and
// marking the task assigned in the graph happen under the same call, so an
// assignment can never exceed a worker's declared concurrency.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"overseer/internal/graph"
	"overseer/internal/logging"
)

// Executor is the worker collaborator: it performs a unit of work described
// by an opaque payload. The core never inspects output content.
type Executor interface {
	Execute(ctx context.Context, assignment Assignment) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, assignment Assignment) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, assignment Assignment) (string, error) {
	return f(ctx, assignment)
}

// Assignment is the payload handed to a worker.
type Assignment struct {
	TaskID      string
	Description string
	Feedback    []string // accumulated reviewer feedback from prior revision cycles
}

// WorkerHandle describes a registered worker.
type WorkerHandle struct {
	ID             string
	Capabilities   []string // task kinds this worker accepts; empty accepts all
	MaxConcurrency int64
}

// accepts reports whether the worker can take a task of the given kind.
func (h WorkerHandle) accepts(kind string) bool {
	if kind == "" || len(h.Capabilities) == 0 {
		return true
	}
	for _, c := range h.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}

// WorkerFailure reports a worker that errored or timed out. The pool does
// not retry; retry is an orchestrator policy decision.
type WorkerFailure struct {
	TaskID   string
	WorkerID string
	Reason   string
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("worker %s failed task %s: %s", e.WorkerID, e.TaskID, e.Reason)
}

// ErrDuplicateWorker is returned when a worker id is registered twice.
var ErrDuplicateWorker = errors.New("worker already registered")

// Result is the outcome of one hierarchical task execution.
type Result struct {
	TaskID   string
	WorkerID string
	Output   string
	Err      error
	Duration time.Duration
}

type worker struct {
	handle WorkerHandle
	exec   Executor
	sem    *semaphore.Weighted
	load   int64 // current in-flight count, pool accounting only
}

// Pool is the worker registry and dispatcher. Workers are process-wide,
// registered at startup and reusable across task graphs.
type Pool struct {
	mu          sync.Mutex
	workers     map[string]*worker
	order       []string // registration order, for deterministic first fit
	taskTimeout time.Duration
	audit       *logging.AuditLogger
	logger      *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithTaskTimeout bounds each hierarchical task execution. Zero means no
// per-task bound beyond the caller's context.
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.taskTimeout = d }
}

// WithAudit records dispatch decisions to the audit trail.
func WithAudit(a *logging.AuditLogger) PoolOption {
	return func(p *Pool) { p.audit = a }
}

// NewPool creates an empty worker pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		workers: make(map[string]*worker),
		logger:  logging.Get(logging.CategoryDispatch),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a worker to the pool. MaxConcurrency below one is raised to one.
func (p *Pool) Register(handle WorkerHandle, exec Executor) error {
	if handle.MaxConcurrency < 1 {
		handle.MaxConcurrency = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[handle.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, handle.ID)
	}
	p.workers[handle.ID] = &worker{
		handle: handle,
		exec:   exec,
		sem:    semaphore.NewWeighted(handle.MaxConcurrency),
	}
	p.order = append(p.order, handle.ID)

	p.logger.Debug("worker registered",
		zap.String("worker", handle.ID),
		zap.Strings("capabilities", handle.Capabilities),
		zap.Int64("max_concurrency", handle.MaxConcurrency))
	return nil
}

// Load returns a worker's current in-flight task count.
func (p *Pool) Load(workerID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&w.load)
}

// Workers returns the registered handles in registration order.
func (p *Pool) Workers() []WorkerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerHandle, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.workers[id].handle)
	}
	return out
}

// HasCapability reports whether any registered worker accepts the given kind.
// The orchestrator uses this to tell a capability-gap deadlock from a
// temporarily saturated pool.
func (p *Pool) HasCapability(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		if p.workers[id].handle.accepts(kind) {
			return true
		}
	}
	return false
}

// Dispatch assigns as many of the given ready tasks as worker capacity
// allows, first fit in the order the caller supplies (the graph already
// orders by priority then insertion). Each assignment claims a concurrency
// slot and marks the task Assigned in one atomic step; execution then runs
// on its own goroutine and delivers a Result on results. Returns the number
// of tasks assigned.
func (p *Pool) Dispatch(ctx context.Context, g *graph.Graph, ready []graph.Task, results chan<- Result) int {
	assigned := 0
	for _, task := range ready {
		if ctx.Err() != nil {
			break // cancelled: stop issuing new assignments
		}
		w := p.claim(task.Kind)
		if w == nil {
			continue // no idle matching worker; task stays ready
		}
		if err := g.Assign(task.ID, w.handle.ID); err != nil {
			p.release(w)
			p.logger.Warn("assignment rejected by graph",
				zap.String("task", task.ID), zap.Error(err))
			continue
		}

		p.audit.Record(logging.AuditEvent{
			Type:     logging.AuditDispatchAssign,
			TaskID:   task.ID,
			WorkerID: w.handle.ID,
		})
		assigned++
		go p.run(ctx, g, w, task, results)
	}
	return assigned
}

// claim finds the first registered worker accepting the kind with a free
// slot and acquires it. Returns nil when none is available.
func (p *Pool) claim(kind string) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		w := p.workers[id]
		if !w.handle.accepts(kind) {
			continue
		}
		if w.sem.TryAcquire(1) {
			atomic.AddInt64(&w.load, 1)
			return w
		}
	}
	return nil
}

func (p *Pool) release(w *worker) {
	atomic.AddInt64(&w.load, -1)
	w.sem.Release(1)
}

// run executes one assigned task and reports the outcome. The worker slot is
// released before the Result is sent: a receiver that re-dispatches on the
// spot must be able to claim this worker again, otherwise a one-worker pool
// looks saturated at the exact moment a dependent task becomes ready.
func (p *Pool) run(ctx context.Context, g *graph.Graph, w *worker, task graph.Task, results chan<- Result) {
	start := time.Now()
	if err := g.MarkStatus(task.ID, graph.StatusInProgress); err != nil {
		p.release(w)
		results <- Result{TaskID: task.ID, WorkerID: w.handle.ID, Err: err}
		return
	}

	execCtx := ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	output, err := w.exec.Execute(execCtx, Assignment{
		TaskID:      task.ID,
		Description: task.Description,
		Feedback:    task.Feedback,
	})
	elapsed := time.Since(start)

	res := Result{TaskID: task.ID, WorkerID: w.handle.ID, Output: output, Duration: elapsed}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		p.audit.Record(logging.AuditEvent{
			Type:     logging.AuditWorkerFailure,
			TaskID:   task.ID,
			WorkerID: w.handle.ID,
			Message:  reason,
		})
		res = Result{TaskID: task.ID, WorkerID: w.handle.ID,
			Err: &WorkerFailure{TaskID: task.ID, WorkerID: w.handle.ID, Reason: reason}, Duration: elapsed}
	}

	p.release(w)
	results <- res
}
