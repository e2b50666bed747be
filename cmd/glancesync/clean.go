package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osmirror/glancesync/internal/cache"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove downloaded images from the scratch directory",
		Long: `Remove every file directly under the scratch directory. Subdirectories
are left alone. Useful when scratch space runs low between syncs; the next
run simply re-downloads what it needs.`,
		Example: `  glancesync clean
  glancesync clean --tmpdir /mnt/scratch/glancesync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg == nil {
				return fmt.Errorf("config not loaded")
			}
			return cache.Clean(globalCfg.Base.ScratchDir, logger)
		},
	}
}
