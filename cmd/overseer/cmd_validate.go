package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"overseer/internal/config"
	"overseer/internal/orchestrator"
)

var validateCmd = &cobra.Command{
	Use:   "validate [plan.yaml]",
	Short: "Check a plan file without executing it",
	Long: `Validates a plan file: unique task ids, known dependencies, no cycles,
and at least one task that can start. Also warns about task kinds no
configured worker serves, which would deadlock the run.`,
	Args: cobra.ExactArgs(1),
	RunE: validatePlan,
}

func validatePlan(cmd *cobra.Command, args []string) error {
	plan, err := config.LoadPlan(args[0])
	if err != nil {
		return err
	}

	g, err := orchestrator.BuildGraph(plan.Tasks)
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	served := make(map[string]bool)
	for _, w := range cfg.Workers {
		if len(w.Capabilities) == 0 {
			served[""] = true // serves every kind
		}
		for _, c := range w.Capabilities {
			served[c] = true
		}
	}
	swarms := make(map[string]bool, len(cfg.Swarms))
	for _, s := range cfg.Swarms {
		swarms[s.Name] = true
	}

	var warnings []string
	for _, t := range plan.Tasks {
		if t.Swarm != "" {
			if !swarms[t.Swarm] {
				warnings = append(warnings, fmt.Sprintf("task %q references unconfigured swarm %q", t.ID, t.Swarm))
			}
			continue
		}
		if t.Kind != "" && !served[""] && !served[t.Kind] {
			warnings = append(warnings, fmt.Sprintf("task %q kind %q has no capable worker", t.ID, t.Kind))
		}
	}

	fmt.Printf("Plan OK: %q, %d tasks, %d ready to start\n", plan.Goal, g.Len(), len(g.ReadyTasks()))
	for _, w := range warnings {
		fmt.Println("Warning:", w)
	}
	if len(warnings) > 0 {
		return fmt.Errorf("%d warning(s); the plan would deadlock under the current configuration", len(warnings))
	}
	return nil
}
