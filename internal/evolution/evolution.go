// Package evolution applies proposed system modifications behind a
// snapshot/rollback gate with a staged rollout: a change is exposed to
// increasing traffic percentages, watched against a metrics baseline at
// every stage, and automatically reverted on regression. The bounded,
// monotonic stage ladder replaces open-ended self-modification: every
// proposal ends committed or rolled back.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"overseer/internal/logging"
	"overseer/internal/store"
)

// Stage is a rollout checkpoint.
type Stage string

const (
	StageProposed   Stage = "/proposed"    // snapshot taken, change not yet applied
	StageCanary     Stage = "/staged_10"   // 10% exposure
	StageMajority   Stage = "/staged_50"   // 50% exposure
	StageFull       Stage = "/full"        // 100% exposure, not yet committed
	StageCommitted  Stage = "/committed"   // terminal: change accepted
	StageRolledBack Stage = "/rolled_back" // terminal: change reverted
)

// Terminal reports whether the proposal's lifecycle is over.
func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageRolledBack
}

// TrafficPercent returns the exposure for a stage.
func (s Stage) TrafficPercent() int {
	switch s {
	case StageCanary:
		return 10
	case StageMajority:
		return 50
	case StageFull, StageCommitted:
		return 100
	default:
		return 0
	}
}

// next returns the following rung of the ladder. Stages are never skipped.
func (s Stage) next() (Stage, bool) {
	switch s {
	case StageCanary:
		return StageMajority, true
	case StageMajority:
		return StageFull, true
	case StageFull:
		return StageCommitted, true
	default:
		return s, false
	}
}

// Metrics is the metrics collaborator. Values follow a higher-is-better
// convention; the engine compares them against the baseline captured at
// proposal time.
type Metrics interface {
	Collect(ctx context.Context) (map[string]float64, error)
}

// Persistence is the snapshot collaborator. Contents are opaque to the engine.
type Persistence interface {
	Snapshot(ctx context.Context) (string, error)
	Restore(ctx context.Context, snapshotID string) error
}

// Applier performs the opaque modification described by a change spec.
type Applier interface {
	Apply(ctx context.Context, changeSpec string) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, changeSpec string) error

func (f ApplierFunc) Apply(ctx context.Context, changeSpec string) error {
	return f(ctx, changeSpec)
}

// Proposal is one candidate system modification.
type Proposal struct {
	ID         string             `json:"id"`
	ChangeSpec string             `json:"change_spec"`
	SnapshotID string             `json:"snapshot_id"`
	Stage      Stage              `json:"stage"`
	Baseline   map[string]float64 `json:"baseline"`
	Observed   map[string]float64 `json:"observed,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (p *Proposal) clone() Proposal {
	c := *p
	c.Baseline = cloneMetrics(p.Baseline)
	c.Observed = cloneMetrics(p.Observed)
	return c
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ErrProposalActive is returned when a second proposal is opened while one
// is still in a non-terminal stage. Serializing proposals keeps regressions
// attributable.
var ErrProposalActive = errors.New("another proposal is active")

// ErrUnknownProposal is returned when an id does not match the active proposal.
var ErrUnknownProposal = errors.New("unknown proposal")

// ErrNotApplied is returned by Advance on a proposal whose change has not
// been applied yet.
var ErrNotApplied = errors.New("proposal has not been applied")

// ErrProposalTerminal is returned for operations on a finished proposal.
var ErrProposalTerminal = errors.New("proposal already terminal")

// ErrStaleObservation is returned by Advance when the stage moved while the
// monitoring window was open, so the observation belongs to an earlier rung.
var ErrStaleObservation = errors.New("stage changed during observation")

// ErrRegressionDetected marks an automatic rollback. Safety never requires
// operator intervention; retrying the change does.
var ErrRegressionDetected = errors.New("regression detected")

// RegressionError carries the metric that tripped the rollback.
type RegressionError struct {
	Metric      string
	Baseline    float64
	Observed    float64
	Degradation float64 // fraction, 0.2 means 20% worse
	Threshold   float64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("regression detected on %s: %.2f -> %.2f (%.0f%% degradation, threshold %.0f%%)",
		e.Metric, e.Baseline, e.Observed, e.Degradation*100, e.Threshold*100)
}

func (e *RegressionError) Unwrap() error { return ErrRegressionDetected }

// DefaultRollbackThreshold is the degradation fraction that forces rollback.
const DefaultRollbackThreshold = 0.15

// Archiver persists proposal state across restarts. Satisfied by store.Store.
type Archiver interface {
	SaveProposal(p store.ProposalRow) error
}

// Engine drives proposals through the rollout ladder. Only one proposal may
// be non-terminal at a time; the active slot is held from Propose until
// commit or rollback.
type Engine struct {
	mu        sync.Mutex
	persist   Persistence
	metrics   Metrics
	applier   Applier
	threshold float64
	window    time.Duration
	active    *Proposal
	archiver  Archiver
	audit     *logging.AuditLogger
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRollbackThreshold overrides the regression threshold (fraction).
func WithRollbackThreshold(t float64) EngineOption {
	return func(e *Engine) {
		if t > 0 {
			e.threshold = t
		}
	}
}

// WithMonitoringWindow sets how long each stage is observed before Advance
// compares metrics. Zero compares immediately.
func WithMonitoringWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.window = d }
}

// WithArchiver persists proposal state transitions.
func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// WithAudit records rollout events to the audit trail.
func WithAudit(a *logging.AuditLogger) EngineOption {
	return func(e *Engine) { e.audit = a }
}

// NewEngine creates an evolution engine over the given collaborators.
func NewEngine(persist Persistence, metrics Metrics, applier Applier, opts ...EngineOption) *Engine {
	e := &Engine{
		persist:   persist,
		metrics:   metrics,
		applier:   applier,
		threshold: DefaultRollbackThreshold,
		logger:    logging.Get(logging.CategoryEvolution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Propose captures a snapshot of current state and a metrics baseline, then
// opens a proposal in StageProposed. No mutation happens here. Fails with
// ErrProposalActive while another proposal is non-terminal.
func (e *Engine) Propose(ctx context.Context, changeSpec string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil && !e.active.Stage.Terminal() {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalActive, e.active.ID)
	}

	snapshotID, err := e.persist.Snapshot(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to snapshot state: %w", err)
	}
	baseline, err := e.metrics.Collect(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to collect baseline metrics: %w", err)
	}

	now := time.Now()
	p := &Proposal{
		ID:         uuid.NewString(),
		ChangeSpec: changeSpec,
		SnapshotID: snapshotID,
		Stage:      StageProposed,
		Baseline:   baseline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.active = p
	e.persistProposal(p)

	e.logger.Info("proposal created",
		zap.String("proposal", p.ID),
		zap.String("snapshot", snapshotID))
	e.audit.Record(logging.AuditEvent{
		Type:    logging.AuditProposalCreated,
		Message: p.ID,
		Fields:  map[string]any{"snapshot": snapshotID},
	})
	return p.clone(), nil
}

// Apply performs the proposed change. Atomic apply-or-revert: if application
// itself errors, the snapshot is restored and the proposal ends RolledBack.
// On success the proposal enters the first rollout stage.
func (e *Engine) Apply(ctx context.Context, proposalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.activeProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Stage != StageProposed {
		return fmt.Errorf("proposal %s: apply from stage %s: %w", p.ID, p.Stage, ErrProposalTerminal)
	}

	if err := e.applier.Apply(ctx, p.ChangeSpec); err != nil {
		e.logger.Error("apply failed, restoring snapshot",
			zap.String("proposal", p.ID), zap.Error(err))
		e.rollBackLocked(ctx, p, fmt.Sprintf("apply failed: %v", err))
		return fmt.Errorf("failed to apply proposal %s (state restored): %w", p.ID, err)
	}

	p.Stage = StageCanary
	p.UpdatedAt = time.Now()
	e.persistProposal(p)

	e.logger.Info("proposal applied",
		zap.String("proposal", p.ID),
		zap.Int("traffic_percent", p.Stage.TrafficPercent()))
	e.audit.Record(logging.AuditEvent{
		Type:    logging.AuditProposalApplied,
		Message: p.ID,
		Fields:  map[string]any{"stage": string(p.Stage)},
	})
	return nil
}

// Advance observes the current stage for the monitoring window, then moves
// the proposal exactly one rung up the ladder if no metric degraded beyond
// the threshold. A regression forces automatic rollback and snapshot
// restore; the returned stage is then StageRolledBack alongside a
// RegressionError. Every rung gets its own window: if a concurrent Advance
// moved the ladder while this one was observing, the stale observation is
// discarded with ErrStaleObservation.
func (e *Engine) Advance(ctx context.Context, proposalID string) (Stage, error) {
	e.mu.Lock()
	p, err := e.activeProposal(proposalID)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}
	if p.Stage == StageProposed {
		e.mu.Unlock()
		return StageProposed, fmt.Errorf("proposal %s: %w", p.ID, ErrNotApplied)
	}
	if p.Stage.Terminal() {
		stage := p.Stage
		e.mu.Unlock()
		return stage, fmt.Errorf("proposal %s: %w", p.ID, ErrProposalTerminal)
	}
	observedStage := p.Stage
	e.mu.Unlock()

	// Observe the stage under production-like load before judging it. The
	// active-proposal slot stays held; only the mutex is released.
	if e.window > 0 {
		select {
		case <-ctx.Done():
			return p.Stage, ctx.Err()
		case <-time.After(e.window):
		}
	}

	observed, err := e.metrics.Collect(ctx)
	if err != nil {
		return p.Stage, fmt.Errorf("failed to collect metrics: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Re-validate: a concurrent RollBack may have finished the proposal.
	p, err = e.activeProposal(proposalID)
	if err != nil {
		return "", err
	}
	if p.Stage.Terminal() {
		return p.Stage, fmt.Errorf("proposal %s: %w", p.ID, ErrProposalTerminal)
	}
	if p.Stage != observedStage {
		// A concurrent Advance already moved the ladder; crediting this
		// observation to the new stage would skip its monitoring window.
		return p.Stage, fmt.Errorf("proposal %s: %s is now %s: %w",
			p.ID, observedStage, p.Stage, ErrStaleObservation)
	}

	p.Observed = cloneMetrics(observed)
	if regression := e.checkRegression(p.Baseline, observed); regression != nil {
		e.logger.Warn("regression during rollout, rolling back",
			zap.String("proposal", p.ID),
			zap.String("stage", string(p.Stage)),
			zap.String("metric", regression.Metric),
			zap.Float64("degradation", regression.Degradation))
		e.rollBackLocked(ctx, p, regression.Error())
		return StageRolledBack, regression
	}

	next, ok := p.Stage.next()
	if !ok {
		return p.Stage, fmt.Errorf("proposal %s: no stage after %s", p.ID, p.Stage)
	}
	p.Stage = next
	p.UpdatedAt = time.Now()
	e.persistProposal(p)

	if next == StageCommitted {
		e.logger.Info("proposal committed", zap.String("proposal", p.ID))
		e.audit.Record(logging.AuditEvent{Type: logging.AuditCommitted, Message: p.ID})
	} else {
		e.logger.Info("stage advanced",
			zap.String("proposal", p.ID),
			zap.String("stage", string(next)),
			zap.Int("traffic_percent", next.TrafficPercent()))
		e.audit.Record(logging.AuditEvent{
			Type:    logging.AuditStageAdvanced,
			Message: p.ID,
			Fields:  map[string]any{"stage": string(next)},
		})
	}
	return next, nil
}

// RollBack restores the snapshot and marks the proposal RolledBack. Always
// safe to call: rolling back a proposal that was never applied restores
// identical state.
func (e *Engine) RollBack(ctx context.Context, proposalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.activeProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Stage == StageRolledBack {
		return nil // already rolled back, no-op
	}
	if p.Stage == StageCommitted {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrProposalTerminal)
	}
	e.rollBackLocked(ctx, p, "manual rollback")
	return nil
}

// rollBackLocked restores state and finishes the proposal. Caller holds the lock.
func (e *Engine) rollBackLocked(ctx context.Context, p *Proposal, reason string) {
	if err := e.persist.Restore(ctx, p.SnapshotID); err != nil {
		// Restore failure is the one case that needs attention; log loudly
		// but still mark the proposal finished so the slot is released.
		e.logger.Error("snapshot restore failed",
			zap.String("proposal", p.ID),
			zap.String("snapshot", p.SnapshotID),
			zap.Error(err))
	}
	p.Stage = StageRolledBack
	p.UpdatedAt = time.Now()
	e.persistProposal(p)
	e.audit.Record(logging.AuditEvent{
		Type:    logging.AuditRolledBack,
		Message: p.ID,
		Fields:  map[string]any{"reason": reason},
	})
}

// checkRegression returns the worst over-threshold degradation, or nil.
// Metrics present in the baseline but absent from the observation are
// ignored; a zero baseline cannot express a fraction and is skipped.
func (e *Engine) checkRegression(baseline, observed map[string]float64) *RegressionError {
	var worst *RegressionError
	for name, base := range baseline {
		if base <= 0 {
			continue
		}
		obs, ok := observed[name]
		if !ok {
			continue
		}
		degradation := (base - obs) / base
		if degradation > e.threshold {
			if worst == nil || degradation > worst.Degradation {
				worst = &RegressionError{
					Metric:      name,
					Baseline:    base,
					Observed:    obs,
					Degradation: degradation,
					Threshold:   e.threshold,
				}
			}
		}
	}
	return worst
}

// Active returns a copy of the current proposal, if any.
func (e *Engine) Active() (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Proposal{}, false
	}
	return e.active.clone(), true
}

func (e *Engine) activeProposal(id string) (*Proposal, error) {
	if e.active == nil || e.active.ID != id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return e.active, nil
}

func (e *Engine) persistProposal(p *Proposal) {
	if e.archiver == nil {
		return
	}
	row := store.ProposalRow{
		ID:         p.ID,
		ChangeSpec: p.ChangeSpec,
		SnapshotID: p.SnapshotID,
		Stage:      string(p.Stage),
		Baseline:   cloneMetrics(p.Baseline),
		Observed:   cloneMetrics(p.Observed),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if err := e.archiver.SaveProposal(row); err != nil {
		e.logger.Warn("failed to persist proposal",
			zap.String("proposal", p.ID), zap.Error(err))
	}
}
