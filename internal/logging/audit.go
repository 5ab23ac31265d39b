// Audit logging: an append-only JSONL trail of everything the orchestration
// core decides. Each line is one event; entries are never mutated after
// being written, so the file doubles as a replayable record of a run.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEventType classifies an audit event.
type AuditEventType string

const (
	// Task lifecycle
	AuditTaskAdded     AuditEventType = "task_added"
	AuditTaskAssigned  AuditEventType = "task_assigned"
	AuditTaskStarted   AuditEventType = "task_started"
	AuditTaskCompleted AuditEventType = "task_completed"
	AuditTaskFailed    AuditEventType = "task_failed"
	AuditTaskRequeued  AuditEventType = "task_requeued"
	AuditTaskBlocked   AuditEventType = "task_blocked"

	// Dispatch
	AuditDispatchAssign AuditEventType = "dispatch_assign"
	AuditSwarmFanOut    AuditEventType = "swarm_fan_out"
	AuditSwarmFanIn     AuditEventType = "swarm_fan_in"
	AuditWorkerFailure  AuditEventType = "worker_failure"

	// Review
	AuditReviewApproved AuditEventType = "review_approved"
	AuditReviewRejected AuditEventType = "review_rejected"
	AuditRevisionLimit  AuditEventType = "revision_limit_exceeded"

	// Run lifecycle
	AuditRunStarted   AuditEventType = "run_started"
	AuditRunCompleted AuditEventType = "run_completed"
	AuditRunDeadlock  AuditEventType = "run_deadlock"
	AuditRunTimeout   AuditEventType = "run_timeout"

	// Evolution
	AuditProposalCreated AuditEventType = "proposal_created"
	AuditProposalApplied AuditEventType = "proposal_applied"
	AuditStageAdvanced   AuditEventType = "stage_advanced"
	AuditRolledBack      AuditEventType = "rolled_back"
	AuditCommitted       AuditEventType = "committed"
)

// AuditEvent is one line in the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"ts"`
	Type      AuditEventType `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Message   string         `json:"msg,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AuditLogger appends events to a JSONL file. Safe for concurrent use.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditLogger opens (creating if needed) the audit file in append mode.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLogger{file: f, path: path}, nil
}

// Record appends one event. Failures are logged, never propagated: the audit
// trail must not take down the run it is documenting.
func (a *AuditLogger) Record(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		Get(CategoryAudit).Warn("failed to marshal audit event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		Get(CategoryAudit).Warn("failed to write audit event", zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Path returns the audit file location.
func (a *AuditLogger) Path() string { return a.path }
