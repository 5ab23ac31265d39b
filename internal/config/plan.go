package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"overseer/internal/orchestrator"
)

// Plan is a goal decomposition written by hand or by an external planner,
// loaded from a YAML file instead of a live planning collaborator.
type Plan struct {
	Goal  string                     `yaml:"goal"`
	Tasks []orchestrator.PlannedTask `yaml:"tasks"`
}

// LoadPlan reads a plan file. Structural validation happens later when the
// plan is built into a graph; this only checks the YAML shape.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if plan.Goal == "" {
		return nil, fmt.Errorf("plan %s has no goal", path)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", path)
	}
	return &plan, nil
}
