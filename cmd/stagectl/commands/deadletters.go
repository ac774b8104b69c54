package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deadLetterCount int

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Inspect dropped messages",
}

var deadLettersTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent dropped messages",
	RunE:  runDeadLettersTail,
}

func init() {
	deadLettersTailCmd.Flags().IntVar(&deadLetterCount, "count", 20, "Number of entries to show")
	deadLettersCmd.AddCommand(deadLettersTailCmd)
}

func runDeadLettersTail(cmd *cobra.Command, args []string) error {
	client, err := dialAdmin()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.DeadLettersTail(adminCtx(), deadLetterCount)
	if err != nil {
		return fmt.Errorf("deadletters tail: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(resp.Entries)
	}

	if len(resp.Entries) == 0 {
		fmt.Println("no dead letters recorded")
		return nil
	}
	fmt.Printf("%-22s %-10s %-10s %s\n", "REASON", "MSG_ID", "STAGE_ID", "ACCOUNT/PEER")
	for _, e := range resp.Entries {
		who := e.AccountID
		if who == "" {
			who = e.PeerID
		}
		fmt.Printf("%-22s %-10s %-10d %s\n", e.Reason, e.MsgID, e.StageID, who)
	}
	return nil
}
