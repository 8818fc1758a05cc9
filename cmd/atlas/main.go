// Command atlas is the CLI for the codeatlas ingestion engine: full and
// incremental syncs of source trees into the code knowledge graph, rollback
// point management, and engine status reporting.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas-io/codeatlas/internal/config"
	"github.com/codeatlas-io/codeatlas/internal/telemetry"
)

// Version and Build are stamped at link time.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	configPath    string
	dbPath        string
	batchSize     int
	maxConcurrent int
	dryRun        bool
	quietFlag     bool
	jsonOutput    bool

	cfg    *config.Config
	logger *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "atlas",
	Short: "atlas - code knowledge graph sync engine",
	Long:  `Ingests source trees into a code knowledge graph with checkpointed, rollback-capable sync operations.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("atlas version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		level := slog.LevelInfo
		if quietFlag {
			level = slog.LevelError
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		if err := telemetry.Init(rootCtx, "atlas", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		// Flags beat environment and file.
		if dbPath != "" {
			cfg.GraphDBPath = dbPath
		}
		if cmd.Flags().Changed("batch-size") {
			cfg.EntityBatchSize = batchSize
			cfg.RelationshipBatchSize = 2 * batchSize
		}
		if cmd.Flags().Changed("max-concurrent") {
			cfg.MaxConcurrentBatches = maxConcurrent
		}
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		telemetry.Shutdown(shutCtx)
		done()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: none)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Graph database path (default: .atlas/graph.db)")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 100, "Entity batch size")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 4, "Concurrent batch limit")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Count writes without persisting anything")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
