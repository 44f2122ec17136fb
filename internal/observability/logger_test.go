package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		enabled zapcore.Level
		wantErr bool
	}{
		{name: "structured info", level: "info", profile: "structured", enabled: zapcore.InfoLevel},
		{name: "console debug", level: "debug", profile: "console", enabled: zapcore.DebugLevel},
		{name: "case insensitive", level: "WARN", profile: "STRUCTURED", enabled: zapcore.WarnLevel},
		{name: "empty profile", level: "error", profile: "", enabled: zapcore.ErrorLevel},
		{name: "bad level", level: "loud", profile: "console", wantErr: true},
		{name: "bad profile", level: "info", profile: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.enabled))
			if tt.enabled > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.enabled-1))
			}
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("depotwatch", true)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("depotwatch", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	SetLogger(nil)
	assert.NotNil(t, CLILogger)
	SetLogger(zap.NewExample())
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
