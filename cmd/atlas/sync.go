package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas-io/codeatlas/internal/types"
	"github.com/codeatlas-io/codeatlas/internal/ui"
	"github.com/codeatlas-io/codeatlas/internal/watcher"
)

var (
	watchFlag       bool
	incrementalFlag bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [path...]",
	Short: "Run a full sync of the configured roots",
	Long: `Scans the given paths (or the configured roots), parses every supported
file, and commits the results to the graph in one checkpointed operation.
With --incremental, the named paths are treated as changed files and applied
without a full scan. With --watch, stays running and applies incremental
syncs as files change.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&incrementalFlag, "incremental", false, "Apply the named paths as file changes instead of scanning")
	syncCmd.Flags().BoolVar(&watchFlag, "watch", false, "Keep running and sync file changes incrementally")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if incrementalFlag && len(args) == 0 {
		return errors.New("--incremental requires at least one path")
	}
	if len(args) > 0 && !incrementalFlag {
		cfg.Roots = args
	}

	e, err := openEngine(rootCtx, cfg, dryRun, logger)
	if err != nil {
		return err
	}
	defer e.close()

	var op *types.SyncOperation
	if incrementalFlag {
		op, err = e.coord.StartIncremental(rootCtx, changeEvents(args))
	} else {
		op, err = e.coord.StartFull(rootCtx)
	}
	if err != nil && !errors.Is(err, types.ErrCancelled) {
		// Failed operations still carry useful counters; report then exit 1.
		printSyncSummary(op, e)
		return err
	}
	printSyncSummary(op, e)
	if errors.Is(err, types.ErrCancelled) {
		os.Exit(130)
	}

	if !watchFlag {
		return nil
	}
	return watchLoop(e)
}

// conflictResolutions summarizes the distinct resolution strategies recorded
// on an operation's conflicts.
func conflictResolutions(conflicts []types.Conflict) string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range conflicts {
		r := c.Resolution
		if r == "" {
			r = "unresolved"
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return strings.Join(out, ", ")
}

// changeEvents maps explicit paths to change events, delete for paths that
// no longer exist.
func changeEvents(paths []string) []types.ChangeEvent {
	now := time.Now()
	events := make([]types.ChangeEvent, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		ct := types.ChangeModify
		if _, err := os.Stat(p); err != nil {
			ct = types.ChangeDelete
		}
		events = append(events, types.ChangeEvent{
			Path: p, ChangeType: ct, AbsolutePath: abs, Timestamp: now,
		})
	}
	return events
}

// watchLoop runs incremental syncs off the filesystem watcher until
// interrupted.
func watchLoop(e *engine) error {
	w, err := watcher.New(cfg.Roots, 0, logger)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()
	go w.Start(rootCtx)

	if !quietFlag {
		fmt.Printf("%s watching %d root(s), ctrl-c to stop\n", ui.RenderAccent(ui.IconInfo), len(cfg.Roots))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.coord.RunFrom(rootCtx, w.Events())
	}()
	<-rootCtx.Done()
	w.Close()
	<-done
	return nil
}

// printSyncSummary writes the one-line outcome plus counters.
func printSyncSummary(op *types.SyncOperation, e *engine) {
	if op == nil {
		return
	}
	if jsonOutput {
		data, err := json.MarshalIndent(op, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	if quietFlag && op.Status == types.StatusCompleted {
		return
	}

	failed := len(op.Errors)
	switch op.Status {
	case types.StatusCompleted:
		if failed > 0 {
			fmt.Printf("%s sync completed: %d failed of %d files\n",
				ui.RenderWarn(ui.IconWarn), failed, op.FilesProcessed)
		} else {
			fmt.Printf("%s sync completed: %d files\n", ui.RenderPass(ui.IconPass), op.FilesProcessed)
		}
	case types.StatusCancelled:
		fmt.Printf("%s sync cancelled after %d files\n", ui.RenderWarn(ui.IconWarn), op.FilesProcessed)
	default:
		fmt.Printf("%s sync %s: %d failed of %d files\n",
			ui.RenderFail(ui.IconFail), op.Status, failed, op.FilesProcessed)
	}

	c := op.Counters
	fmt.Printf("  entities      %d created, %d updated, %d deleted\n",
		c.EntitiesCreated, c.EntitiesUpdated, c.EntitiesDeleted)
	fmt.Printf("  relationships %d created, %d updated, %d deleted\n",
		c.RelationshipsCreated, c.RelationshipsUpdated, c.RelationshipsDeleted)
	if len(op.Conflicts) > 0 {
		fmt.Printf("  %s %d conflict(s) resolved (%s)\n",
			ui.RenderWarn(ui.IconWarn), len(op.Conflicts), conflictResolutions(op.Conflicts))
	}
	if op.RollbackPointID != "" {
		fmt.Printf("  %s\n", ui.RenderMuted("checkpoint "+op.RollbackPointID))
	}
	if e.dry != nil {
		ents, rels, dels := e.dry.Counts()
		fmt.Printf("  %s\n", ui.RenderMuted(fmt.Sprintf(
			"dry run: would write %d entities, %d relationships, %d deletes", ents, rels, dels)))
	}
	for _, msg := range op.Errors {
		fmt.Printf("  %s %s\n", ui.RenderFail(ui.IconFail), msg)
	}
}
