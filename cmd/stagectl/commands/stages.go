package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Inspect live stages",
}

var stagesListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every stage registered on the node",
	RunE:  runStagesList,
}

func init() {
	stagesCmd.AddCommand(stagesListCmd)
}

func runStagesList(cmd *cobra.Command, args []string) error {
	client, err := dialAdmin()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.StagesList(adminCtx())
	if err != nil {
		return fmt.Errorf("stages ls: %w", err)
	}

	if outputFormat == "json" {
		return outputJSON(resp.Stages)
	}

	if len(resp.Stages) == 0 {
		fmt.Println("no stages registered")
		return nil
	}
	fmt.Printf("%-10s %-20s %s\n", "STAGE_ID", "TYPE", "ACTORS")
	for _, st := range resp.Stages {
		fmt.Printf("%-10d %-20s %d\n", st.ID, st.Type, st.ActorCount)
	}
	return nil
}
