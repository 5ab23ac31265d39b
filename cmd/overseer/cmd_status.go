package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusTask string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored snapshots, proposals, and revision history",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTask, "task", "", "show revision records for a task id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	proposals, err := db.Proposals()
	if err != nil {
		return err
	}
	fmt.Printf("Proposals (%d):\n", len(proposals))
	for _, p := range proposals {
		fmt.Printf("  %s  %-13s  baseline %s", p.ID, p.Stage, formatMetrics(p.Baseline))
		if len(p.Observed) > 0 {
			fmt.Printf("  observed %s", formatMetrics(p.Observed))
		}
		fmt.Printf("  (%s)\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	snapshots, err := db.ListSnapshots()
	if err != nil {
		return err
	}
	fmt.Printf("Snapshots (%d):\n", len(snapshots))
	for _, s := range snapshots {
		fmt.Printf("  %s  %d bytes  (%s)\n", s.ID, s.Size, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if statusTask != "" {
		records, err := db.RevisionRecords(statusTask)
		if err != nil {
			return err
		}
		fmt.Printf("Revision records for %s (%d):\n", statusTask, len(records))
		for _, r := range records {
			line := fmt.Sprintf("  cycle %d  %s", r.Cycle, r.Verdict)
			if r.Feedback != "" {
				line += "  " + r.Feedback
			}
			fmt.Println(line)
		}
	}
	return nil
}
