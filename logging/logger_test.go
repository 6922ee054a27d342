package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			config.Output = &buf
			logger := NewLogger(config)

			logger.Debug("Debug message", slog.String("key", "value"))
			logger.Info("Info message", slog.Int("count", 42))
			logger.Warn("Warning message", slog.Bool("enabled", true))

			testErr := errors.NewQuotaError(errors.OpPut, fmt.Errorf("disk full"))
			logger.LogError(context.Background(), testErr, "Operation failed")

			child := logger.WithComponent(Component("queue"))
			child.Info("Child logger message")

			out := buf.String()
			assert.Contains(t, out, "Info message")
			assert.Contains(t, out, "STORAGE_QUOTA_EXCEEDED")
			assert.Contains(t, out, "queue")
		})
	}
}

func TestLogErrorStructured(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf})

	cause := errors.NewValidationError(errors.OpSend, fmt.Errorf("bad")).WithMetadata("entry_id", "q-1")
	logger.LogError(context.Background(), fmt.Errorf("wrapped: %w", cause), "send failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	oe, ok := line["offline_error"].(map[string]any)
	require.True(t, ok, "expected offline_error group, got %v", line)
	assert.Equal(t, "VALIDATION_REJECTED", oe["code"])
	assert.Equal(t, false, oe["retryable"])
	md := oe["metadata"].(map[string]any)
	assert.Equal(t, "q-1", md["entry_id"])
}

func TestPackageLogErrorOnPlainLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(Config{Level: "info", Format: "json", Output: &buf}).Logger

	LogError(context.Background(), base.With(slog.String("entry_id", "q-2")), fmt.Errorf("disk gone"), "ack not recorded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ack not recorded", line["msg"])
	assert.Equal(t, "disk gone", line["error"])
	assert.Equal(t, "q-2", line["entry_id"])
	caller, ok := line["caller"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, caller["file"], "logger_test.go", "the caller is the code that logged, not the helper")
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf})

	logger.Warn("retry scheduled", ErrorAttr(errors.NewNetworkError(errors.OpSend, fmt.Errorf("reset"))))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	oe, ok := line["offline_error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "TRANSIENT_NETWORK_FAILURE", oe["code"])
	assert.Equal(t, true, oe["retryable"])

	assert.Equal(t, slog.String("error", "plain"), ErrorAttr(fmt.Errorf("plain")))
}

func TestWithContextRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-7")
	logger.WithContext(ctx).Info("handled")
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("OFFLINE_LOG_LEVEL", "WARN")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("OFFLINE_ENVIRONMENT", EnvDevelopment)

	cfg := GetConfigFromEnv(DefaultConfig)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.True(t, cfg.AddSource)
}

func TestGetConfigFromEnvKeepsBase(t *testing.T) {
	base := Config{Level: "error", Format: "json", Environment: EnvProduction}
	cfg := GetConfigFromEnv(base)
	assert.Equal(t, base.Level, cfg.Level)
	assert.Equal(t, base.Format, cfg.Format)
	assert.False(t, cfg.AddSource)
}

func TestCustomLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", LevelTrace.String())
	assert.Equal(t, "INFO", CustomLevel(slog.LevelInfo).String())
}
