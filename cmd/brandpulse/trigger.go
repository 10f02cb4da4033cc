package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appconfig "github.com/jonathan/brandpulse/internal/config"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger one agent run",
	Long:  `Create a run and enqueue its job, honoring the configured dedupe policy.`,
	RunE:  runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	cfg := appconfig.FromEnv()
	ctx := cmd.Context()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	runID, deduped, err := newDispatcher(database, q, cfg).Trigger(ctx)
	if err != nil {
		return err
	}
	if deduped {
		fmt.Printf("Run %d already active for this window\n", runID)
	} else {
		fmt.Printf("Triggered run %d\n", runID)
	}
	return nil
}
