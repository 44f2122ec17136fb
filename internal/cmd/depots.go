package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/output"
)

var depotsCmd = &cobra.Command{
	Use:   "depots",
	Short: "List recorded depots",
	Long: `List every depot in the store with its current manifest, build and
last processed manifest.

Example:
  depotwatch depots
  depotwatch depots --json`,
	RunE: runDepots,
}

var depotsJSON bool

func init() {
	rootCmd.AddCommand(depotsCmd)
	depotsCmd.Flags().BoolVar(&depotsJSON, "json", false, "Output as JSONL records")
}

func runDepots(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx, config.GetConfig())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open store", err)
	}
	defer func() { _ = store.Close() }()

	depots, err := store.ListDepots(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list depots", err)
	}
	if len(depots) == 0 && !depotsJSON {
		_, _ = fmt.Fprintln(os.Stderr, "No depots recorded")
		return nil
	}
	if depotsJSON {
		return writeDepotRecords(ctx, newRecordWriter(cmd.OutOrStdout(), "store"), depots)
	}
	return printDepots(cmd.OutOrStdout(), depots)
}

func writeDepotRecords(ctx context.Context, w output.Writer, depots []depotstore.Depot) error {
	defer func() { _ = w.Close() }()
	for _, d := range depots {
		if err := w.WriteDepot(ctx, depotRecord(d)); err != nil {
			return err
		}
	}
	return nil
}

func printDepots(w io.Writer, depots []depotstore.Depot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DEPOT\tNAME\tMANIFEST\tBUILD\tLAST DIFFED\tUPDATED")
	for _, d := range depots {
		name := d.Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n",
			d.DepotID, name, d.ManifestID, d.BuildID, d.LastManifestID, formatTimestamp(d.LastUpdated))
	}
	return tw.Flush()
}
