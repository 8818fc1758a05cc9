package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas-io/codeatlas/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health, metrics, and recent operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(rootCtx, cfg, dryRun, logger)
		if err != nil {
			return err
		}
		defer e.close()

		report := e.mon.GenerateReport()
		if jsonOutput {
			return printJSON(report)
		}

		fmt.Println(ui.RenderHeader("health"))
		fmt.Printf("  %s", ui.RenderHealth(string(report.Health.Status)))
		if report.Health.ConsecutiveFailures > 0 {
			fmt.Printf("  %s", ui.RenderMuted(fmt.Sprintf("(%d consecutive failures)", report.Health.ConsecutiveFailures)))
		}
		fmt.Println()

		fmt.Println(ui.RenderHeader("sync"))
		s := report.Sync
		fmt.Printf("  operations    %d total, %d ok, %d failed, %d active\n",
			s.OperationsTotal, s.OperationsSuccessful, s.OperationsFailed, s.ActiveOperations)
		fmt.Printf("  throughput    %.1f ops/min, avg %s\n", s.Throughput, s.AverageSyncTime.Round(time.Millisecond))
		fmt.Printf("  processed     %d entities, %d relationships, %d conflicts\n",
			s.EntitiesProcessed, s.RelationshipsTotal, s.ConflictsDetected)

		rm, err := e.rb.GetMetrics(rootCtx)
		if err == nil {
			fmt.Println(ui.RenderHeader("rollback"))
			fmt.Printf("  points        %d total, %d cached\n", rm.TotalPoints, rm.CachedPoints)
			fmt.Printf("  rollbacks     %d ok, %d failed\n", rm.SuccessfulRollbacks, rm.FailedRollbacks)
		}

		if len(report.ActiveAlerts) > 0 {
			fmt.Println(ui.RenderHeader("alerts"))
			for _, a := range report.ActiveAlerts {
				fmt.Printf("  %s [%s] %s\n", ui.RenderWarn(ui.IconWarn), a.Level, a.Message)
			}
		}

		if len(report.RecentOperations) > 0 {
			fmt.Println(ui.RenderHeader("recent operations"))
			for _, op := range report.RecentOperations {
				icon := ui.RenderPass(ui.IconPass)
				if len(op.Errors) > 0 {
					icon = ui.RenderFail(ui.IconFail)
				}
				fmt.Printf("  %s %s %s  %d files  %s\n",
					icon, op.ID, op.Type, op.FilesProcessed, ui.RenderMuted(string(op.Status)))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
