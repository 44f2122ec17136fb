// Package observability owns process-wide logging.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// InitCLILogger replaces CLILogger with a console logger writing to stderr.
// verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(level, ProfileConsole)
	if err != nil {
		return
	}
	CLILogger = logger.Named(name)
}

// SetLogger replaces CLILogger, typically after configuration is loaded.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	CLILogger = l
}

// NewLogger builds a logger for level and profile. The structured profile
// emits JSON; console emits human-readable lines. Both write to stderr so
// stdout stays free for command output.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
