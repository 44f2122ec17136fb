package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if versionJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(versionInfo)
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s, %s)\n",
			rootCmd.Name(), versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return err
	},
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}
