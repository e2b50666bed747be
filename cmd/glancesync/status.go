package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	statusSlave string
	statusLimit int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent sync run history",
		Long: `Display recent sync runs recorded in the local database, newest first.
Each row is one slave's reconciliation within a run: how many images were
created, replaced, skipped, and failed, and how the run ended.`,
		Example: `  glancesync status
  glancesync status --slave brno
  glancesync status --limit 5`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusSlave, "slave", "", "show runs for one slave only")
	cmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum number of runs to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	runs, err := globalStore.ListSyncRuns(statusSlave, statusLimit)
	if err != nil {
		return fmt.Errorf("failed to list sync runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No sync runs recorded")
		return nil
	}

	fmt.Printf("%-10s %-12s %-12s %8s %8s %8s %8s %10s  %s\n",
		"Master", "Slave", "Status", "Created", "Replaced", "Skipped", "Failed", "Bytes", "Started")
	fmt.Println(strings.Repeat("-", 100))

	for _, run := range runs {
		fmt.Printf("%-10s %-12s %-12s %8d %8d %8d %8d %10s  %s\n",
			run.Master,
			run.Slave,
			run.Status,
			run.ImagesCreated,
			run.ImagesReplaced,
			run.ImagesSkipped,
			run.ImagesFailed,
			formatBytes(run.BytesTransferred),
			run.StartTime.Format("2006-01-02 15:04"),
		)
		if run.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}

// formatBytes formats a byte count into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
