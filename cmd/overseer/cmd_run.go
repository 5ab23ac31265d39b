package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overseer/internal/config"
	"overseer/internal/dispatch"
	"overseer/internal/logging"
	"overseer/internal/orchestrator"
	"overseer/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Execute a plan file as a reviewed task graph",
	Long: `Loads a goal decomposition from a YAML plan file, validates it into a
task graph, and runs it to a terminal status over the configured workers.
Every task result is reviewed against its acceptance criteria; rejected
work is re-queued with feedback up to the revision limit.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	logger := logging.Get(logging.CategoryOrchestrator)

	plan, err := config.LoadPlan(args[0])
	if err != nil {
		return err
	}

	g, err := orchestrator.BuildGraph(plan.Tasks)
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	if len(cfg.Workers) == 0 {
		return fmt.Errorf("no workers configured")
	}

	audit, err := openAudit()
	if err != nil {
		return err
	}
	defer audit.Close()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	pool := dispatch.NewPool(
		dispatch.WithTaskTimeout(cfg.Orchestrator.TaskTimeoutDuration()),
		dispatch.WithAudit(audit),
	)
	for _, w := range cfg.Workers {
		command := w.Command
		if command == "" {
			command = "cat" // echo worker: output is the task description
		}
		err := pool.Register(dispatch.WorkerHandle{
			ID:             w.ID,
			Capabilities:   w.Capabilities,
			MaxConcurrency: w.MaxConcurrency,
		}, newShellExecutor(w.ID, command))
		if err != nil {
			return err
		}
	}

	swarms := make(map[string]dispatch.SwarmConfig, len(cfg.Swarms))
	for _, s := range cfg.Swarms {
		swarms[s.Name] = dispatch.SwarmConfig{
			Name:             s.Name,
			Members:          s.Members,
			Quorum:           s.Quorum,
			PerWorkerTimeout: s.PerWorkerTimeoutDuration(),
		}
	}

	o := orchestrator.New(pool, criteriaReviewer{}, orchestrator.Config{
		GlobalTimeout:  cfg.Orchestrator.GlobalTimeoutDuration(),
		MaxRevisions:   cfg.Orchestrator.MaxRevisions,
		MaxTaskRetries: cfg.Orchestrator.MaxTaskRetries,
		Swarms:         swarms,
	},
		orchestrator.WithAudit(audit),
		orchestrator.WithRevisionArchiver(db),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("executing plan",
		zap.String("goal", plan.Goal),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("workers", len(cfg.Workers)))

	result, err := o.Run(ctx, g)
	printResult(plan.Goal, result)
	if err != nil {
		return err
	}
	if result.Status != orchestrator.GoalCompleted {
		return fmt.Errorf("run finished %s", result.Status)
	}
	return nil
}

func printResult(goal string, result orchestrator.GoalResult) {
	fmt.Printf("Goal:   %s\n", goal)
	fmt.Printf("Run:    %s\n", result.RunID)
	fmt.Printf("Status: %s (%s)\n", result.Status, result.Elapsed.Round(1e6))
	fmt.Printf("Tasks:  %d completed, %d failed, %d blocked, %d revision cycles\n",
		result.Completed, result.Failed, result.Blocked, result.Revisions)

	ids := make([]string, 0, len(result.Outcomes))
	for id := range result.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out := result.Outcomes[id]
		line := fmt.Sprintf("  %-20s %s", id, out.Status)
		if out.RevisionCount > 0 {
			line += fmt.Sprintf(" (%d revisions)", out.RevisionCount)
		}
		if out.FailureReason != "" {
			line += " - " + out.FailureReason
		}
		fmt.Println(line)
	}
}

func openAudit() (*logging.AuditLogger, error) {
	if cfg.Storage.AuditPath == "" {
		return nil, nil
	}
	return logging.NewAuditLogger(cfg.Storage.AuditPath)
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Storage.DatabasePath)
}
