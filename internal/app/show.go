package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/query"
	"market-pipeline/internal/storage"
)

// Show prints zone quality with the latest spot price, then the most
// recent ingestion runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	queries := query.New(store, nil, query.Options{Zones: a.Config.Zones()}, a.Logger)
	report, err := queries.Status(ctx)
	if err != nil {
		return err
	}
	recent, err := store.ListRuns(ctx, opts.Runs)
	if err != nil {
		return err
	}
	return renderStatus(ctx, os.Stdout, store, report, recent)
}

func renderStatus(ctx context.Context, out io.Writer, store storage.PriceStore, report query.StatusReport, recent []domain.IngestionRun) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Zone\tStatus\tCompleteness%\tFreshness\tLatest spot\tReason")
	for _, z := range report.Zones {
		latest := "-"
		if rec, ok, err := store.Latest(ctx, z.Zone, domain.PriceTypeSpot); err == nil && ok {
			latest = formatDecimal(rec.Price, 2) + " @ " + rec.Timestamp.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%.1f\t%s\t%s\t%s\n",
			z.Zone,
			orDash(string(z.Status)),
			z.CompletenessPercent,
			(time.Duration(z.FreshnessSeconds) * time.Second).String(),
			latest,
			sanitizeInline(z.Reason),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(recent) == 0 {
		fmt.Fprintln(out, "\nno ingestion runs recorded")
		return nil
	}
	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tSource\tKind\tStatus\tStarted (UTC)\tIngested\tRejected\tError")
	for _, run := range recent {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			run.ID,
			run.SourceID,
			run.Kind,
			run.Status,
			run.StartTime.UTC().Format(time.RFC3339),
			run.RecordsIngested,
			run.RecordsRejected,
			sanitizeInline(run.Error),
		)
	}
	return writer.Flush()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
