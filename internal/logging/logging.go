// Package logging provides categorized structured logging for overseer,
// built on zap. Each subsystem logs through a named child of one shared
// core, so output stays uniform and a single call configures everything.
//
// Until Initialize is called every category logger is a no-op, which keeps
// library code quiet under test.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryGraph        Category = "graph"        // Task graph mutations
	CategoryDispatch     Category = "dispatch"     // Worker pool and swarm dispatch
	CategoryRevision     Category = "revision"     // Review verdicts and revision cycles
	CategoryOrchestrator Category = "orchestrator" // Run loop and goal aggregation
	CategoryEvolution    Category = "evolution"    // Proposal rollout and rollback
	CategoryStore        Category = "store"        // SQLite persistence
	CategoryAudit        Category = "audit"        // Append-only audit trail
)

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
)

// Options configures the shared logging core.
type Options struct {
	Level      string // debug, info, warn, error (default info)
	JSONFormat bool   // JSON encoding instead of console
	OutputPath string // file path; empty means stderr
}

// Initialize builds the shared zap core. Safe to call more than once; the
// latest call wins for loggers obtained afterwards.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if !opts.JSONFormat {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
		cfg.ErrorOutputPaths = []string{opts.OutputPath}
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = logger
	loggers = make(map[Category]*zap.Logger)
	mu.Unlock()
	return nil
}

// SetBase swaps the root logger directly. Tests use this with zaptest.
func SetBase(l *zap.Logger) {
	mu.Lock()
	base = l
	loggers = make(map[Category]*zap.Logger)
	mu.Unlock()
}

// Get returns the logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := base.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
