package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/osmirror/glancesync/internal/config"
	"github.com/osmirror/glancesync/internal/glance"
	"github.com/osmirror/glancesync/internal/store"
)

var (
	// Global flags
	cfgPath    string
	scratchDir string
	logLevel   string
	logFormat  string
	quiet      bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore *store.Store
)

// initializeComponents opens the run-history store.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	dbPath := globalCfg.Base.DBPath
	if dbPath == "" {
		dbPath = "/var/lib/glancesync/glancesync.db"
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	return nil
}

// buildClient resolves a configured store name to a glance client.
func buildClient(name string) (*glance.Client, error) {
	sc, ok := globalCfg.Store(name)
	if !ok {
		return nil, fmt.Errorf("store %q not defined in configuration", name)
	}

	opts := glance.ClientOptions{
		Name:     name,
		URL:      sc.URL,
		AuthURL:  sc.AuthURL,
		Username: sc.Username,
		Password: sc.Password,
		Tenant:   sc.Tenant,
	}
	if sc.TimeoutSeconds > 0 {
		opts.RequestTimeout = time.Duration(sc.TimeoutSeconds) * time.Second
	}
	return glance.NewClient(opts, logger), nil
}

// shouldSkipComponentInit checks if a command should skip store initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"clean":   true,
		"stores":  true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glancesync",
		Short: "One-way image replication between glance stores",
		Long: `glancesync replicates virtual-machine disk images from one authoritative
glance store (the master) to one or more secondary stores (slaves). Each run
diffs the selected images by name, creates missing images on the slaves, and
safely replaces stale copies using a backup-rename sequence. Downloaded
content is cached on local scratch storage so repeated runs and multiple
slaves reuse a single transfer.`,
		Example: `  glancesync sync
  glancesync sync --master prague --slaves brno,ostrava
  glancesync sync --images ubuntu-20,centos-8 --clean
  glancesync sync --pattern 'prod-' --workers 2
  glancesync status --slave brno
  glancesync clean`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if scratchDir != "" {
				globalCfg.Base.ScratchDir = scratchDir
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "scratch_dir", globalCfg.Base.ScratchDir)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVarP(&scratchDir, "tmpdir", "t", "", "override scratch directory for downloaded images")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newCleanCmd(),
		newStoresCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
