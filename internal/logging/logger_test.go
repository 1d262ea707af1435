package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = "syslog"

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLoggerTo_WritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(NewDefaultConfig(), &buf)
	require.NoError(t, err)

	logger.Info(context.Background(), "scan complete", zap.Int("projects", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "scan complete", lines[0]["msg"])
	assert.Equal(t, "depdeck", lines[0]["service"])
	assert.Equal(t, float64(3), lines[0]["projects"])
	assert.Contains(t, lines[0], "ts")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}
	ctx := WithProjectPath(context.Background(), "/work/web")

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg") }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg") }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg") }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg") }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.logFunc()

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, "/work/web", logs[0].ContextMap()["project.path"])
		})
	}
}

func TestLogger_TraceSkippedWhenDisabled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Trace(context.Background(), "noisy")
	assert.Zero(t, observed.Len())
	assert.False(t, logger.Enabled(TraceLevel))
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
}

func TestLogger_WithAndNamed(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	parent := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	child := parent.Named("npm").With(zap.String("command", "outdated"))
	child.Info(context.Background(), "child")
	parent.Info(context.Background(), "parent")

	logs := observed.All()
	require.Len(t, logs, 2)
	assert.Equal(t, "npm", logs[0].LoggerName)
	assert.Equal(t, "outdated", logs[0].ContextMap()["command"])
	assert.NotContains(t, logs[1].ContextMap(), "command")
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()), "nop logger when unset")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "stored")
	tl.AssertLogged(t, zapcore.InfoLevel, "stored")
}
