package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var timerStageID int64

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "Inspect live timers",
}

var timersListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List timers owned by a stage",
	RunE:  runTimersList,
}

func init() {
	timersListCmd.Flags().Int64Var(&timerStageID, "stage", 0, "Stage id to list timers for (required)")
	timersCmd.AddCommand(timersListCmd)
}

func runTimersList(cmd *cobra.Command, args []string) error {
	client, err := dialAdmin()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.TimersList(adminCtx(), timerStageID)
	if err != nil {
		return fmt.Errorf("timers ls: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(resp.Timers)
	}

	if len(resp.Timers) == 0 {
		fmt.Printf("no timers for stage %d\n", timerStageID)
		return nil
	}
	fmt.Printf("%-10s %-10s %-8s %s\n", "TIMER_ID", "STAGE_ID", "KIND", "REMAINING")
	for _, ti := range resp.Timers {
		fmt.Printf("%-10d %-10d %-8d %d\n", ti.ID, ti.StageID, ti.Kind, ti.Remaining)
	}
	return nil
}
