package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/osmirror/glancesync/internal/cache"
	"github.com/osmirror/glancesync/internal/catalog"
	"github.com/osmirror/glancesync/internal/engine"
	"github.com/osmirror/glancesync/internal/glance"
)

var (
	syncMaster  string
	syncSlaves  string
	syncImages  string
	syncPattern string
	syncClean   bool
	syncWorkers int
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate selected images from the master store to the slaves",
		Long: `Replicate images from the configured master store to each slave store.

For every selected image the sync will:
  1. Skip it when the slave copy already matches (checksum, or size when
     either side lacks a checksum)
  2. Create it when the slave has no image under that name
  3. Replace it when the slave copy is stale, renaming the old image to a
     backup name until the new content is confirmed uploaded

Image content is downloaded once into the scratch directory and reused
across slaves and across runs while its size still matches the master.

With no --images and no --pattern, every image on the master is synced.
Flags override the corresponding config file settings.`,
		Example: `  glancesync sync
  glancesync sync --master prague --slaves brno,ostrava
  glancesync sync --images ubuntu-20,centos-8
  glancesync sync --pattern 'prod-' --workers 2 --clean`,
		RunE: syncRun,
	}

	cmd.Flags().StringVarP(&syncMaster, "master", "m", "", "name of the master store (overrides config)")
	cmd.Flags().StringVarP(&syncSlaves, "slaves", "s", "", "comma-separated slave store names (overrides config)")
	cmd.Flags().StringVarP(&syncImages, "images", "i", "", "comma-separated image names to sync (overrides config)")
	cmd.Flags().StringVarP(&syncPattern, "pattern", "p", "", "prefix-anchored regexp selecting images to sync (overrides config)")
	cmd.Flags().BoolVarP(&syncClean, "clean", "c", false, "remove scratch directory contents after the run")
	cmd.Flags().IntVar(&syncWorkers, "workers", 0, "number of slaves reconciled in parallel (overrides config)")

	return cmd
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func syncRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// Flag overrides, same precedence as the config file fields they shadow
	if syncMaster != "" {
		globalCfg.Base.Master = syncMaster
	}
	if syncSlaves != "" {
		globalCfg.Base.Slaves = splitList(syncSlaves)
	}
	if syncImages != "" {
		globalCfg.Images.SyncList = splitList(syncImages)
	}
	if syncPattern != "" {
		globalCfg.Images.Pattern = syncPattern
	}
	if syncClean {
		globalCfg.Base.Clean = true
	}
	if syncWorkers > 0 {
		globalCfg.Base.Workers = syncWorkers
	}

	if err := globalCfg.Validate(); err != nil {
		return err
	}

	master, err := buildClient(globalCfg.Base.Master)
	if err != nil {
		return err
	}

	slaves := make([]glance.Store, 0, len(globalCfg.Base.Slaves))
	for _, name := range globalCfg.Base.Slaves {
		slave, err := buildClient(name)
		if err != nil {
			return err
		}
		slaves = append(slaves, slave)
	}

	selection := catalog.Selection{
		Names:   globalCfg.Images.SyncList,
		Pattern: globalCfg.Images.Pattern,
	}

	logger.Info("starting sync",
		"master", globalCfg.Base.Master,
		"slaves", globalCfg.Base.Slaves,
		"images", selection.Names,
		"pattern", selection.Pattern,
		"scratch_dir", globalCfg.Base.ScratchDir,
	)

	scratch := cache.New(globalCfg.Base.ScratchDir, logger)
	reconciler := engine.New(scratch, globalStore, logger)

	report, err := reconciler.Reconcile(context.Background(), master, slaves, selection, engine.Options{
		Workers: globalCfg.Base.Workers,
	})
	if err != nil {
		return err
	}

	// Print per-slave report
	totalCreated := 0
	totalReplaced := 0
	totalSkipped := 0
	totalFailed := 0

	for _, sr := range report.Slaves {
		totalCreated += sr.Created
		totalReplaced += sr.Replaced
		totalSkipped += sr.Skipped
		totalFailed += sr.Failed

		fmt.Printf("\n%s:\n", sr.Slave)
		fmt.Printf("  Created:  %d\n", sr.Created)
		fmt.Printf("  Replaced: %d\n", sr.Replaced)
		fmt.Printf("  Skipped:  %d\n", sr.Skipped)
		fmt.Printf("  Failed:   %d\n", sr.Failed)
		fmt.Printf("  Bytes:    %d\n", sr.BytesTransferred)
		if sr.Err != nil {
			fmt.Printf("  ERROR:    %v\n", sr.Err)
		}
	}

	fmt.Println("\n=== SYNC SUMMARY ===")
	fmt.Printf("Total Created:  %d\n", totalCreated)
	fmt.Printf("Total Replaced: %d\n", totalReplaced)
	fmt.Printf("Total Skipped:  %d\n", totalSkipped)
	fmt.Printf("Total Failed:   %d\n", totalFailed)

	if globalCfg.Base.Clean {
		if err := cache.Clean(globalCfg.Base.ScratchDir, logger); err != nil {
			logger.Error("scratch cleanup failed", "error", err)
		}
	}

	if report.Failed() {
		return fmt.Errorf("sync completed with failures on %d slave(s)", countFailedSlaves(report))
	}
	return nil
}

func countFailedSlaves(report *engine.Report) int {
	n := 0
	for _, sr := range report.Slaves {
		if sr.Err != nil {
			n++
		}
	}
	return n
}
