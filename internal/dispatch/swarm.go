package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"overseer/internal/logging"
)

// SwarmOutcome classifies a fan-in result.
type SwarmOutcome string

const (
	SwarmSuccess        SwarmOutcome = "/success"         // every member contributed
	SwarmPartialSuccess SwarmOutcome = "/partial_success" // quorum met, some members missing
	SwarmFailed         SwarmOutcome = "/failed"          // quorum not met
)

// SwarmConfig names a set of workers that all execute the same unit of work.
type SwarmConfig struct {
	Name             string        `yaml:"name"`
	Members          []string      `yaml:"members"`
	Quorum           int           `yaml:"quorum"`             // minimum contributors; <=0 means all members
	PerWorkerTimeout time.Duration `yaml:"per_worker_timeout"` // budget per member; zero means caller's context only
}

// effectiveQuorum resolves the configured quorum against the member count.
func (c SwarmConfig) effectiveQuorum() int {
	if c.Quorum <= 0 || c.Quorum > len(c.Members) {
		return len(c.Members)
	}
	return c.Quorum
}

// SwarmResult is the aggregated fan-in outcome.
type SwarmResult struct {
	Outcome       SwarmOutcome
	Contributions map[string]string // worker id -> output, contributors only
	Missing       []string          // members that errored or timed out, sorted
}

// CombinedOutput joins contributions deterministically by worker id, for
// handing the aggregate to a reviewer.
func (r SwarmResult) CombinedOutput() string {
	ids := make([]string, 0, len(r.Contributions))
	for id := range r.Contributions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] %s", id, r.Contributions[id])
	}
	return b.String()
}

// InsufficientQuorumError reports a fan-in where too few members contributed.
type InsufficientQuorumError struct {
	Swarm     string
	Responded int
	Quorum    int
	Missing   []string
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("swarm %s: insufficient quorum: %d of %d required responded (missing: %s)",
		e.Swarm, e.Responded, e.Quorum, strings.Join(e.Missing, ", "))
}

// DispatchSwarm fans the assignment out to every member of the swarm
// simultaneously and waits for all results or their individual timeouts.
// Already-started members are never abandoned: each either finishes or is
// timed out under its own budget, and every member is accounted for in
// either Contributions or Missing.
func (p *Pool) DispatchSwarm(ctx context.Context, assignment Assignment, cfg SwarmConfig) (SwarmResult, error) {
	members := make([]*worker, 0, len(cfg.Members))
	p.mu.Lock()
	for _, id := range cfg.Members {
		w, ok := p.workers[id]
		if !ok {
			p.mu.Unlock()
			return SwarmResult{}, fmt.Errorf("swarm %s references unregistered worker %s", cfg.Name, id)
		}
		members = append(members, w)
	}
	p.mu.Unlock()

	p.logger.Info("swarm fan-out",
		zap.String("swarm", cfg.Name),
		zap.String("task", assignment.TaskID),
		zap.Int("members", len(members)),
		zap.Int("quorum", cfg.effectiveQuorum()))
	p.audit.Record(logging.AuditEvent{
		Type:    logging.AuditSwarmFanOut,
		TaskID:  assignment.TaskID,
		Message: cfg.Name,
		Fields:  map[string]any{"members": len(members), "quorum": cfg.effectiveQuorum()},
	})

	var (
		mu            sync.Mutex
		contributions = make(map[string]string, len(members))
		missing       []string
	)

	g, groupCtx := errgroup.WithContext(ctx)
	for _, w := range members {
		w := w
		g.Go(func() error {
			memberCtx := groupCtx
			if cfg.PerWorkerTimeout > 0 {
				var cancel context.CancelFunc
				memberCtx, cancel = context.WithTimeout(groupCtx, cfg.PerWorkerTimeout)
				defer cancel()
			}

			// Respect the member's concurrency budget; waiting counts
			// against its timeout.
			if err := w.sem.Acquire(memberCtx, 1); err != nil {
				mu.Lock()
				missing = append(missing, w.handle.ID)
				mu.Unlock()
				return nil
			}
			atomic.AddInt64(&w.load, 1)
			defer p.release(w)

			output, err := w.exec.Execute(memberCtx, assignment)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				missing = append(missing, w.handle.ID)
				return nil
			}
			contributions[w.handle.ID] = output
			return nil
		})
	}
	// Member failures never abort the group; errors are folded into Missing.
	_ = g.Wait()

	sort.Strings(missing)
	quorum := cfg.effectiveQuorum()
	result := SwarmResult{Contributions: contributions, Missing: missing}

	switch {
	case len(missing) == 0:
		result.Outcome = SwarmSuccess
	case len(contributions) >= quorum:
		result.Outcome = SwarmPartialSuccess
	default:
		result.Outcome = SwarmFailed
	}

	p.audit.Record(logging.AuditEvent{
		Type:   logging.AuditSwarmFanIn,
		TaskID: assignment.TaskID,
		Fields: map[string]any{
			"outcome":      string(result.Outcome),
			"contributors": len(contributions),
			"missing":      missing,
		},
	})

	if result.Outcome == SwarmFailed {
		return result, &InsufficientQuorumError{
			Swarm:     cfg.Name,
			Responded: len(contributions),
			Quorum:    quorum,
			Missing:   missing,
		}
	}
	return result, nil
}
