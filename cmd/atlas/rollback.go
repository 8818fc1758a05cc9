package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas-io/codeatlas/internal/ui"
)

var (
	rollbackTTL  time.Duration
	rollbackDesc string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Manage rollback points",
}

var rollbackCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Snapshot the graph as a named rollback point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(rootCtx, cfg, dryRun, logger)
		if err != nil {
			return err
		}
		defer e.close()

		pt, err := e.coord.CreateRollbackPoint(rootCtx, args[0], rollbackDesc, rollbackTTL)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(pt)
		}
		fmt.Printf("%s rollback point %s created\n", ui.RenderPass(ui.IconPass), pt.ID)
		if pt.ExpiresAt != nil {
			fmt.Printf("  %s\n", ui.RenderMuted("expires "+pt.ExpiresAt.Format(time.RFC3339)))
		}
		return nil
	},
}

var rollbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rollback points, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(rootCtx, cfg, dryRun, logger)
		if err != nil {
			return err
		}
		defer e.close()

		points, err := e.rb.List(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(points)
		}
		if len(points) == 0 {
			fmt.Println(ui.RenderMuted("no rollback points"))
			return nil
		}
		for _, pt := range points {
			line := fmt.Sprintf("%s  %s  %s", pt.ID, pt.Timestamp.Format("2006-01-02 15:04:05"), pt.Name)
			if pt.ExpiresAt != nil {
				line += ui.RenderMuted("  expires " + pt.ExpiresAt.Format("2006-01-02 15:04"))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var rollbackToCmd = &cobra.Command{
	Use:   "to <point-id>",
	Short: "Restore the graph to a rollback point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(rootCtx, cfg, dryRun, logger)
		if err != nil {
			return err
		}
		defer e.close()

		rop, err := e.coord.RollbackTo(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rop)
		}
		fmt.Printf("%s restored to %s (operation %s)\n",
			ui.RenderPass(ui.IconPass), rop.TargetRollbackPointID, rop.ID)
		return nil
	},
}

func init() {
	rollbackCreateCmd.Flags().DurationVar(&rollbackTTL, "ttl", 0, "Expire the point after this duration (0 = never)")
	rollbackCreateCmd.Flags().StringVar(&rollbackDesc, "description", "", "Free-form description")
	rollbackCmd.AddCommand(rollbackCreateCmd, rollbackListCmd, rollbackToCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
