package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/pkg/depot"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the change history of a depot",
	Long: `Show history rows for one depot in the order they were recorded.

Path filters use doublestar glob syntax (** matches across directories).
Depot-level rows such as manifest_change only appear without --path.

Example:
  depotwatch history --depot 481
  depotwatch history --depot 481 --path 'data/**/*.pak' --action removed
  depotwatch history --depot 481 --change 1234 --json`,
	RunE: runHistory,
}

var (
	historyDepot  uint32
	historyPath   string
	historyAction string
	historyChange uint32
	historyLimit  int
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Uint32VarP(&historyDepot, "depot", "d", 0, "Depot id (required)")
	historyCmd.Flags().StringVar(&historyPath, "path", "", "Glob filter on file path")
	historyCmd.Flags().StringVar(&historyAction, "action", "", "Only this action (manifest_change|added|modified|modified_flags|removed)")
	historyCmd.Flags().Uint32Var(&historyChange, "change", 0, "Only rows from this change id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum rows (0 = all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSONL records")

	_ = historyCmd.MarkFlagRequired("depot")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	q := depotstore.HistoryQuery{
		DepotID:  historyDepot,
		Pattern:  historyPath,
		ChangeID: historyChange,
		Limit:    historyLimit,
	}
	if historyAction != "" {
		q.Action = depot.Action(historyAction)
		if !q.Action.Valid() {
			return exitError(foundry.ExitInvalidArgument, "Invalid --action value", fmt.Errorf("unknown action %q", historyAction))
		}
	}
	if historyLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must not be negative"))
	}

	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open store", err)
	}
	defer func() { _ = store.Close() }()

	rows, err := store.QueryHistory(ctx, q)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "History query failed", err)
	}
	if len(rows) == 0 && !historyJSON {
		_, _ = fmt.Fprintln(os.Stderr, "No history rows match")
		return nil
	}
	if historyJSON {
		return writeHistoryRecords(ctx, newRecordWriter(cmd.OutOrStdout(), "store"), rows)
	}
	return printHistory(cmd.OutOrStdout(), rows)
}

func writeHistoryRecords(ctx context.Context, w output.Writer, rows []depotstore.HistoryEntry) error {
	defer func() { _ = w.Close() }()
	for _, h := range rows {
		if err := w.WriteHistory(ctx, historyRecord(h)); err != nil {
			return err
		}
	}
	return nil
}

func printHistory(w io.Writer, rows []depotstore.HistoryEntry) error {

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tCHANGE\tACTION\tPATH\tOLD\tNEW")
	for _, h := range rows {
		path := h.Path
		if path == "" {
			path = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\n",
			formatTimestamp(h.Time), h.ChangeID, h.Action, path, h.OldValue, h.NewValue)
	}
	return tw.Flush()
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
