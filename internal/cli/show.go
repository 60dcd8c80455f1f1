package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-pipeline/internal/app"
)

var (
	showRuns int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display zone quality and recent ingestion runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRuns <= 0 {
			return fmt.Errorf("--runs must be greater than zero")
		}

		opts := app.ShowOptions{
			Runs: showRuns,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showRuns, "runs", 20, "Number of recent runs to display")
}
