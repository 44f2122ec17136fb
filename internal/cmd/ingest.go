package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/internal/observability"
	"github.com/3leaps/depotwatch/pkg/dispatcher"
	"github.com/3leaps/depotwatch/pkg/output"
	"github.com/3leaps/depotwatch/pkg/pipeline"
	"github.com/3leaps/depotwatch/pkg/publish"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Dispatch publish events from files",
	Long: `Dispatch one or more publish events read from YAML or JSON files and
wait for every resulting depot job to finish.

Events are dispatched in argument order; the jobs of one event finish
before the next event is dispatched. Invalid event files are reported and
skipped; the command exits non-zero if any file was invalid.

With --json the command writes JSONL records: one per finished job, one
per invalid file and a closing summary.

Example:
  depotwatch ingest --event change-1234.yaml
  depotwatch ingest --event a.yaml --event b.json --full-run --json`,
	RunE: runIngest,
}

var (
	ingestEvents  []string
	ingestFullRun bool
	ingestJSON    bool
)

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringArrayVarP(&ingestEvents, "event", "e", nil, "Publish event file (repeatable, required)")
	ingestCmd.Flags().BoolVar(&ingestFullRun, "full-run", false, "Re-process depots whose manifest id did not change")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "Output as JSONL records")

	_ = ingestCmd.MarkFlagRequired("event")

	overrideSources = append(overrideSources, func() map[string]any {
		if !ingestFullRun {
			return nil
		}
		return map[string]any{"full_run": true}
	})
}

// IngestReport is the outcome of one ingest run.
type IngestReport struct {
	Events   int
	Invalid  int
	Dispatch dispatcher.Summary
	Jobs     jobCounts
	Duration time.Duration
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	var records output.Writer
	deps := appDeps{}
	if ingestJSON {
		rw := newRecordWriter(cmd.OutOrStdout(), "ingest")
		records = rw
		deps.onFinish = func(job pipeline.Job) {
			if err := rw.WriteJob(context.WithoutCancel(ctx), jobRecord(job)); err != nil {
				observability.CLILogger.Warn("Failed to write job record", zap.Error(err))
			}
		}
	}

	a, err := newApp(ctx, cfg, observability.CLILogger, deps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}

	start := time.Now()
	report := ingestFiles(ctx, a, ingestEvents, records)
	if err := a.Close(); err != nil {
		observability.CLILogger.Warn("Store close failed", zap.Error(err))
	}
	report.Jobs = a.tally.snapshot()
	report.Duration = time.Since(start)

	if err := printIngestReport(cmd.OutOrStdout(), report, records); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write report", err)
	}

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Ingest cancelled", ctx.Err())
	}
	if report.Invalid > 0 {
		return exitError(foundry.ExitInvalidArgument, "Some events were invalid", fmt.Errorf("invalid_events=%d", report.Invalid))
	}
	return nil
}

// ingestFiles dispatches event files in order. Each event's jobs finish
// before the next event is dispatched so a replayed backlog never trips
// over its own depot locks. Invalid files become error records when
// records is set.
func ingestFiles(ctx context.Context, a *app, paths []string, records output.Writer) IngestReport {
	var report IngestReport
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		ev, err := publish.ParseFile(path)
		if err != nil {
			report.Invalid++
			level := observability.CLILogger.Error
			if errors.Is(err, os.ErrNotExist) {
				level = observability.CLILogger.Warn
			}
			level("Skipping event file", zap.String("path", path), zap.Error(err))
			if records != nil {
				if werr := records.WriteError(context.WithoutCancel(ctx), eventErrorRecord(path, err)); werr != nil {
					observability.CLILogger.Warn("Failed to write error record", zap.String("path", path), zap.Error(werr))
				}
			}
			continue
		}
		report.Events++
		sum := a.dispatcher.Dispatch(ctx, ev)
		report.Dispatch.Add(sum)
		observability.CLILogger.Info("Dispatched publish event",
			zap.String("path", path),
			zap.Uint32("collection_id", ev.CollectionID),
			zap.Uint32("change_id", ev.ChangeID),
			zap.Int("enqueued", sum.Enqueued))
		a.pipeline.Wait()
	}
	return report
}

func eventErrorRecord(path string, err error) *output.ErrorRecord {
	rec := &output.ErrorRecord{Code: output.ErrCodeInternal, Message: err.Error(), Path: path}
	var verrs publish.ValidationErrors
	switch {
	case errors.Is(err, os.ErrNotExist):
		rec.Code = output.ErrCodeNotFound
	case errors.As(err, &verrs):
		rec.Code = output.ErrCodeInvalidEvent
		rec.Details = verrs
	case errors.Is(err, publish.ErrInvalidEvent):
		rec.Code = output.ErrCodeInvalidEvent
	}
	return rec
}

// printIngestReport writes a summary record when records is set, a text
// summary otherwise.
func printIngestReport(w io.Writer, r IngestReport, records output.Writer) error {
	if records != nil {
		defer func() { _ = records.Close() }()
		return records.WriteSummary(context.Background(), &output.SummaryRecord{
			Events:        r.Events,
			Invalid:       r.Invalid,
			Seen:          r.Dispatch.Seen,
			Enqueued:      r.Dispatch.Enqueued,
			Unchanged:     r.Dispatch.Unchanged,
			Stale:         r.Dispatch.Stale,
			Locked:        r.Dispatch.Locked,
			Failed:        r.Dispatch.Failed,
			JobsDone:      r.Jobs.Done,
			JobsAbandoned: r.Jobs.Abandoned,
			JobsFailed:    r.Jobs.Failed,
			HistoryRows:   r.Jobs.History,
			Duration:      r.Duration,
			DurationHuman: r.Duration.Round(time.Millisecond).String(),
		})
	}
	_, err := fmt.Fprintf(w,
		"events=%d invalid=%d seen=%d enqueued=%d unchanged=%d stale=%d locked=%d failed=%d\n"+
			"jobs: done=%d abandoned=%d failed=%d added=%d removed=%d updated=%d history_rows=%d\n",
		r.Events, r.Invalid, r.Dispatch.Seen, r.Dispatch.Enqueued, r.Dispatch.Unchanged,
		r.Dispatch.Stale, r.Dispatch.Locked, r.Dispatch.Failed,
		r.Jobs.Done, r.Jobs.Abandoned, r.Jobs.Failed, r.Jobs.Added, r.Jobs.Removed,
		r.Jobs.Updated, r.Jobs.History)
	return err
}
