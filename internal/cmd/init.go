package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/internal/observability"
	"github.com/3leaps/depotwatch/pkg/depotstore"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the store and a starter config file",
	Long: `Create the depot store (running schema migrations) and write a starter
depotwatch.yaml.

The config is written to --config when given, otherwise to the user config
dir. An existing file is left alone unless --force is set.

Example:
  depotwatch init
  depotwatch init --config ./depotwatch.yaml --force`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

const starterConfig = `# depotwatch configuration
#
# Every key can be overridden with a DEPOTWATCH_* environment variable,
# e.g. DEPOTWATCH_SERVERS="cm1.example.net,cm2.example.net".

# Content servers used for auth tokens and manifest downloads.
servers: []

# Depots whose updates are announced and queued for content fetch.
important_depots: []

# Re-process depots even when their manifest id did not change.
full_run: false

store:
  # Local SQLite file. Leave empty and set url for a remote libsql database.
  path: %q
  url: ""
  auth_token: ""

remote:
  base_url: http://localhost:7070
  rate_limit: 0
  timeout: 30s

notify:
  webhook_url: ""
  timeout: 10s

fetch:
  # none | dir | s3
  sink: none
  dir: %q
  s3:
    bucket: ""
    region: ""
    endpoint: ""
    profile: ""
    prefix: fetch

logging:
  level: info
  # structured | console
  profile: structured

server:
  host: localhost
  port: 8080
`

func runInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	path := cfgFile
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Cannot find config directory", err)
		}
		path = filepath.Join(dir, config.AppName, config.AppName+".yaml")
	}

	wrote, err := writeStarterConfig(path, cfg, initForce)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write config", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create store", err)
	}
	defer func() { _ = store.Close() }()

	version, err := depotstore.Version(ctx, store.DB())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read schema version", err)
	}

	observability.CLILogger.Info("Initialized",
		zap.String("config", path),
		zap.Bool("config_written", wrote),
		zap.String("store", cfg.Store.Path),
		zap.Int("schema_version", version))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config: %s\nstore:  %s (schema v%d)\n", path, cfg.Store.Path, version)
	return nil
}

// writeStarterConfig writes the template unless path exists and force is
// false. It reports whether a file was written.
func writeStarterConfig(path string, cfg *config.Config, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	body := fmt.Sprintf(starterConfig, cfg.Store.Path, cfg.Fetch.Dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return false, err
	}
	return true, nil
}
