// Package graph implements the task dependency graph at the heart of the
// orchestrator: a DAG of work items with dependency-gated readiness, a
// validated per-task state machine, and construction-time cycle detection.
//
// The graph is the only shared-mutable state between the orchestrator, the
// dispatcher, and the revision controller. All mutations go through a single
// mutex so no caller ever observes a partially-updated status.
package graph

import (
	"sort"
	"sync"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending        Status = "/pending"         // Waiting for dependencies
	StatusReady          Status = "/ready"           // All dependencies completed
	StatusAssigned       Status = "/assigned"        // Claimed by a worker
	StatusInProgress     Status = "/in_progress"     // Worker executing
	StatusAwaitingReview Status = "/awaiting_review" // Output submitted for review
	StatusCompleted      Status = "/completed"       // Accepted by reviewer
	StatusFailed         Status = "/failed"          // Unrecoverable for this task
	StatusBlocked        Status = "/blocked"         // Deadlocked: dependencies can never complete
)

// Terminal reports whether a status admits no further transitions during a run.
// Failed tasks can still be re-queued by an external retry policy.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a task in this status is currently owned by a
// worker or the review pipeline.
func (s Status) InFlight() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusAwaitingReview
}

// Task is an atomic unit of work. Description and AcceptanceCriteria are
// opaque payloads handed to the worker and reviewer collaborators; the core
// never inspects their content.
type Task struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Kind               string   `json:"kind,omitempty"`  // Capability tag a worker must hold; empty matches any
	Swarm              string   `json:"swarm,omitempty"` // Named swarm for fan-out execution; empty means hierarchical
	Dependencies       []string `json:"dependencies,omitempty"`
	Status             Status   `json:"status"`
	AssignedWorker     string   `json:"assigned_worker,omitempty"`
	Priority           int      `json:"priority"` // Higher dispatches first; ties broken by insertion order
	RevisionCount      int      `json:"revision_count"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Feedback           []string `json:"feedback,omitempty"` // Reviewer feedback carried into re-execution
	FailureReason      string   `json:"failure_reason,omitempty"`
	RetryCount         int      `json:"retry_count"` // Worker-failure retries, distinct from revision cycles

	order int // insertion sequence, fixed for the task's lifetime
}

// clone returns a deep copy so callers never alias graph-owned state.
func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Feedback = append([]string(nil), t.Feedback...)
	return c
}

// allowedTransitions encodes the task state machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusReady, StatusBlocked, StatusFailed},
	StatusReady:          {StatusAssigned, StatusFailed},
	StatusAssigned:       {StatusInProgress, StatusFailed},
	StatusInProgress:     {StatusAwaitingReview, StatusFailed},
	StatusAwaitingReview: {StatusCompleted, StatusReady, StatusFailed},
	StatusBlocked:        {StatusPending, StatusFailed},
	StatusFailed:         {StatusPending}, // external retry policy only
	StatusCompleted:      {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Graph is a DAG of tasks for one goal-execution session.
// The zero value is not usable; call New.
type Graph struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	insertion []string // task ids in insertion order
	createdAt time.Time
}

// New creates an empty task graph.
func New() *Graph {
	return &Graph{
		tasks:     make(map[string]*Task),
		createdAt: time.Now(),
	}
}

// AddTask inserts a task into the graph. Dependencies must already exist;
// a missing dependency fails with UnknownDependencyError and a duplicate id
// with DuplicateTaskError. The rejection is atomic: on error the graph is
// exactly as it was before the call.
func (g *Graph) AddTask(t Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[t.ID]; ok {
		return &DuplicateTaskError{TaskID: t.ID}
	}
	for _, dep := range t.Dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return &UnknownDependencyError{TaskID: t.ID, Missing: dep}
		}
	}

	stored := t.clone()
	stored.Status = StatusPending
	stored.order = len(g.insertion)
	g.tasks[t.ID] = &stored
	g.insertion = append(g.insertion, t.ID)
	return nil
}

// AddDependency adds an edge from task id to dep. Fails with CycleError if
// the edge would close a cycle, leaving the graph unchanged.
func (g *Graph) AddDependency(id, dep string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if _, ok := g.tasks[dep]; !ok {
		return &UnknownDependencyError{TaskID: id, Missing: dep}
	}
	for _, existing := range t.Dependencies {
		if existing == dep {
			return nil // already present
		}
	}
	if path := g.findPath(dep, id, make(map[string]bool)); path != nil {
		return &CycleError{TaskID: id, Path: append([]string{id}, path...)}
	}
	t.Dependencies = append(t.Dependencies, dep)
	return nil
}

// findPath returns the dependency path from 'from' to 'to', or nil. The
// visited set keeps the walk linear: without it a DAG with shared
// dependencies re-explores every diamond and the search goes exponential.
// Caller holds the lock.
func (g *Graph) findPath(from, to string, visited map[string]bool) []string {
	if from == to {
		return []string{from}
	}
	if visited[from] {
		return nil
	}
	visited[from] = true
	for _, dep := range g.tasks[from].Dependencies {
		if path := g.findPath(dep, to, visited); path != nil {
			return append([]string{from}, path...)
		}
	}
	return nil
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Task, 0, len(g.insertion))
	for _, id := range g.insertion {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.insertion)
}

// ReadyTasks returns tasks whose dependencies are all Completed and whose own
// status is Pending. Ordering is deterministic: tasks carrying revision
// feedback first (so a struggling task is never starved by newer siblings),
// then priority descending, then insertion order.
func (g *Graph) ReadyTasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []Task
	for _, id := range g.insertion {
		t := g.tasks[id]
		switch t.Status {
		case StatusPending:
			if g.depsCompleted(t) {
				ready = append(ready, t.clone())
			}
		case StatusReady:
			// Marked ready earlier but not yet claimed by a worker.
			ready = append(ready, t.clone())
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if (ready[i].RevisionCount > 0) != (ready[j].RevisionCount > 0) {
			return ready[i].RevisionCount > 0
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].order < ready[j].order
	})
	return ready
}

// depsCompleted reports whether every dependency is Completed. Caller holds the lock.
func (g *Graph) depsCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		if g.tasks[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkStatus transitions a task to newStatus, validating against the state
// machine. Re-queueing a Failed task as Pending preserves RevisionCount.
func (g *Graph) MarkStatus(id string, newStatus Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.markLocked(id, newStatus)
}

func (g *Graph) markLocked(id string, newStatus Status) error {
	t, ok := g.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if !transitionAllowed(t.Status, newStatus) {
		return &InvalidTransitionError{TaskID: id, From: t.Status, To: newStatus}
	}
	t.Status = newStatus
	if newStatus != StatusAssigned && newStatus != StatusInProgress && newStatus != StatusAwaitingReview {
		t.AssignedWorker = ""
	}
	return nil
}

// Assign marks a ready task Assigned to the given worker in one step, so the
// dispatcher's load accounting and the status change stay atomic. A Pending
// task with completed dependencies passes through Ready on the way.
func (g *Graph) Assign(id, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if t.Status == StatusPending && g.depsCompleted(t) {
		if err := g.markLocked(id, StatusReady); err != nil {
			return err
		}
	}
	if err := g.markLocked(id, StatusAssigned); err != nil {
		return err
	}
	t.AssignedWorker = workerID
	return nil
}

// RequeueForRevision moves an AwaitingReview task back to Ready, incrementing
// its revision count and appending the reviewer's feedback for the next
// execution. The revision controller is the only caller.
func (g *Graph) RequeueForRevision(id, feedback string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.markLocked(id, StatusReady); err != nil {
		return err
	}
	t := g.tasks[id]
	t.RevisionCount++
	if feedback != "" {
		t.Feedback = append(t.Feedback, feedback)
	}
	return nil
}

// MarkFailed transitions a task to Failed recording the reason. Legal from
// any non-terminal state.
func (g *Graph) MarkFailed(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if t.Status == StatusCompleted {
		return &InvalidTransitionError{TaskID: id, From: t.Status, To: StatusFailed}
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.AssignedWorker = ""
	return nil
}

// Requeue puts a Failed task back to Pending, preserving RevisionCount.
// Used by the orchestrator's bounded retry policy for worker failures.
func (g *Graph) Requeue(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	if err := g.markLocked(id, StatusPending); err != nil {
		return err
	}
	t.RetryCount++
	t.FailureReason = ""
	return nil
}

// IsGoalSatisfied reports whether every task is Completed.
func (g *Graph) IsGoalSatisfied() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tasks {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// HasDeadlock reports whether the run can make no further progress: nothing
// is ready, nothing is in flight, and at least one task is non-terminal.
// A legitimate run deadlocks when failed dependencies gate pending work or
// the pool lacks capability coverage; this is detected and reported, never
// silently hung on.
func (g *Graph) HasDeadlock() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nonTerminal := false
	for _, t := range g.tasks {
		if t.Status.InFlight() || t.Status == StatusReady {
			return false
		}
		if t.Status == StatusPending && g.depsCompleted(t) {
			return false
		}
		if !t.Status.Terminal() {
			nonTerminal = true
		}
	}
	return nonTerminal
}

// MarkDeadlocked transitions every remaining Pending task to Blocked and
// returns their ids, so the run reports what was incomplete and why. Called
// only once the orchestrator has declared the run deadlocked, which also
// covers ready tasks no registered worker has the capability to serve.
func (g *Graph) MarkDeadlocked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked []string
	for _, id := range g.insertion {
		t := g.tasks[id]
		if t.Status == StatusPending || t.Status == StatusReady {
			t.Status = StatusBlocked
			blocked = append(blocked, id)
		}
	}
	return blocked
}
