package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-pipeline/internal/app"
)

var (
	backfillSource string
	backfillZone   string
	backfillFrom   string
	backfillTo     string
	backfillResume string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest a historical range from one source",
	Example: `  pricepipe backfill --source caiso --zone NP15 --from 2024-01-01T00:00:00Z --to 2024-02-01T00:00:00Z
  pricepipe backfill --resume 6f1c0e9a-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{Resume: backfillResume}
		if backfillResume == "" {
			if backfillSource == "" || backfillFrom == "" || backfillTo == "" {
				return fmt.Errorf("--source, --from and --to must be provided unless --resume is set")
			}

			from, err := time.Parse(time.RFC3339, backfillFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}

			to, err := time.Parse(time.RFC3339, backfillTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}

			if !from.Before(to) {
				return fmt.Errorf("--from must be before --to")
			}
			opts.Source, opts.Zone, opts.From, opts.To = backfillSource, backfillZone, from, to
		}

		run, err := getApp().Backfill(cmd.Context(), opts)
		if run.ID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s, %d ingested, %d rejected\n", run.ID, run.Status, run.RecordsIngested, run.RecordsRejected)
		}
		return err
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillSource, "source", "", "Source id to backfill")
	backfillCmd.Flags().StringVar(&backfillZone, "zone", "", "Market zone to keep (default: every zone of the source)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backfillCmd.Flags().StringVar(&backfillResume, "resume", "", "Resume a partial backfill run by id")
}
