package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overseer/internal/evolution"
	"overseer/internal/logging"
	"overseer/internal/store"
)

var (
	evolveTarget string
	evolveProbe  string
)

var evolveCmd = &cobra.Command{
	Use:   "evolve [candidate-file]",
	Short: "Roll a candidate configuration out in stages",
	Long: `Proposes the candidate file as a replacement for the target file and
rolls it out through canary, majority, and full stages. After each stage
the probe command is run to collect metrics; a regression beyond the
configured threshold rolls the target back to its pre-change snapshot.

The probe command must print one "name value" pair per line, where value
is a number and higher is better.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvolve,
}

func init() {
	evolveCmd.Flags().StringVarP(&evolveTarget, "target", "t", "", "file the candidate replaces (required)")
	evolveCmd.Flags().StringVarP(&evolveProbe, "probe", "p", "", "metrics command (required)")
	_ = evolveCmd.MarkFlagRequired("target")
	_ = evolveCmd.MarkFlagRequired("probe")
}

// fileState snapshots and restores a single file, opaque to the engine.
type fileState struct {
	path string
}

func (f fileState) ExportState() ([]byte, error) {
	return os.ReadFile(f.path)
}

func (f fileState) ImportState(data []byte) error {
	return os.WriteFile(f.path, data, 0644)
}

// probeMetrics collects metrics by running a shell command and parsing
// "name value" lines from its output.
type probeMetrics struct {
	command string
}

func (p probeMetrics) Collect(ctx context.Context) (map[string]float64, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", p.command).Output()
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}

	metrics := make(map[string]float64)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("probe line %q: %w", line, err)
		}
		metrics[fields[0]] = v
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("probe produced no metrics")
	}
	return metrics, nil
}

func runEvolve(cmd *cobra.Command, args []string) error {
	logger := logging.Get(logging.CategoryEvolution)

	candidate, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read candidate: %w", err)
	}
	if _, err := os.Stat(evolveTarget); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	audit, err := openAudit()
	if err != nil {
		return err
	}
	defer audit.Close()

	applier := evolution.ApplierFunc(func(ctx context.Context, changeSpec string) error {
		return os.WriteFile(evolveTarget, []byte(changeSpec), 0644)
	})

	engine := evolution.NewEngine(
		store.NewSnapshotKeeper(db, fileState{path: evolveTarget}),
		probeMetrics{command: evolveProbe},
		applier,
		evolution.WithRollbackThreshold(cfg.Evolution.RollbackThreshold),
		evolution.WithMonitoringWindow(cfg.Evolution.MonitoringWindowDuration()),
		evolution.WithArchiver(db),
		evolution.WithAudit(audit),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prop, err := engine.Propose(ctx, string(candidate))
	if err != nil {
		return err
	}
	fmt.Printf("Proposal %s: baseline %s\n", prop.ID, formatMetrics(prop.Baseline))

	if err := engine.Apply(ctx, prop.ID); err != nil {
		return fmt.Errorf("apply failed, target unchanged: %w", err)
	}
	fmt.Printf("Applied at stage %s (%d%% traffic)\n",
		evolution.StageCanary, evolution.StageCanary.TrafficPercent())

	for {
		stage, err := engine.Advance(ctx, prop.ID)
		if err != nil {
			var regression *evolution.RegressionError
			if errors.As(err, &regression) {
				fmt.Printf("Rolled back: %s degraded %.1f%% (threshold %.1f%%)\n",
					regression.Metric, regression.Degradation*100, regression.Threshold*100)
				return err
			}
			// Best effort: leave the target as the snapshot had it.
			if rbErr := engine.RollBack(ctx, prop.ID); rbErr != nil {
				logger.Error("rollback after failed advance", zap.Error(rbErr))
			}
			return err
		}

		fmt.Printf("Stage %s (%d%% traffic)\n", stage, stage.TrafficPercent())
		if stage.Terminal() {
			break
		}
	}

	fmt.Printf("Proposal %s committed; %s is now the candidate configuration\n", prop.ID, evolveTarget)
	return nil
}

func formatMetrics(m map[string]float64) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%g", name, m[name]))
	}
	return strings.Join(parts, " ")
}
