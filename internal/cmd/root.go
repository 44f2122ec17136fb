// Package cmd implements the depotwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/depotwatch/internal/config"
	"github.com/3leaps/depotwatch/internal/observability"
	"github.com/3leaps/depotwatch/internal/server/handlers"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	cfgFile string
	verbose bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Track depot manifests and record their file history",
	Long: `depotwatch consumes collection publish events, retrieves the manifests
of changed depots from a protocol gateway, and records file-level
changes in a history trail.

Configuration is read from depotwatch.yaml (current directory or the user
config dir), DEPOTWATCH_* environment variables, and flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntimeConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./depotwatch.yaml or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Force structured JSON logs regardless of logging.profile")
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(handlers.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate})
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

// loadRuntimeConfig loads configuration and installs the process logger.
func loadRuntimeConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)

	file := cfgFile
	if cmd == initCmd {
		if _, err := os.Stat(file); err != nil {
			file = ""
		}
	}
	config.SetConfigFile(file)
	cfg, err := config.Load(cmd.Context(), flagOverrides()...)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	profile := cfg.Logging.Profile
	if logJSON {
		profile = observability.ProfileStructured
	}
	logger, err := observability.NewLogger(level, profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.SetLogger(logger.Named(config.AppName))

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store_path", cfg.Store.Path),
		zap.Bool("store_remote", cfg.Store.URL != ""),
		zap.Strings("servers", cfg.Servers),
		zap.String("fetch_sink", cfg.Fetch.Sink))
	return nil
}

// flagOverrides collects command flags that map onto config keys. Each
// command registers its own entries.
var overrideSources []func() map[string]any

func flagOverrides() []map[string]any {
	out := make([]map[string]any, 0, len(overrideSources))
	for _, src := range overrideSources {
		if m := src(); len(m) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// exitCodeError carries the process exit code for a failure.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

func exitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	return 1
}
