package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	require.NoError(t, err)
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	assert.Equal(t, DEBUG, logger.GetLevel())

	_, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO})
	assert.Error(t, err, "nil output must be rejected")

	def, err := NewStructuredLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, INFO, def.GetLevel())
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at INFO")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "[INFO] info message")

	buf.Reset()
	logger.Warn("warn message")
	assert.Contains(t, buf.String(), "[WARN] warn message")

	buf.Reset()
	logger.Error("error message")
	assert.Contains(t, buf.String(), "[ERROR] error message")
}

func TestTextFieldsAreSorted(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.WithAdapter("READMOO", "READMOO_adapter_1_abc").Info("adapter created", map[string]interface{}{
		"duration_ms": 12,
	})

	out := buf.String()
	assert.Contains(t, out, "{adapter_id=READMOO_adapter_1_abc, duration_ms=12, platform=READMOO}")
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	child := logger.WithField("platform", "KOBO")
	logger.Info("parent")
	assert.NotContains(t, buf.String(), "platform=KOBO")

	buf.Reset()
	child.Info("child")
	assert.Contains(t, buf.String(), "platform=KOBO")
}

func TestChildSharesLevel(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	child := logger.WithComponent("adapter-factory")

	logger.SetLevel(ERROR)
	child.Warn("hidden")
	assert.Zero(t, buf.Len())
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatJSON)

	logger.WithComponent("adapter-factory").Error("lifecycle failed", map[string]interface{}{
		FieldError: errors.New("tab closed"),
	})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "lifecycle failed", entry.Message)
	assert.Equal(t, "adapter-factory", entry.Fields[FieldComponent])
	assert.Equal(t, "tab closed", entry.Fields[FieldError])
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("event-bus", ERROR)

	logger.WithComponent("event-bus").Warn("suppressed")
	assert.Zero(t, buf.Len())

	logger.WithComponent("adapter-factory").Warn("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestConfiguredComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:           WARN,
		Output:          &buf,
		ComponentLevels: map[string]LogLevel{"adapter-factory": DEBUG},
	})
	require.NoError(t, err)

	logger.WithComponent("adapter-factory").Debug("pooled adapter", map[string]interface{}{"pool_size": 3})
	assert.Contains(t, buf.String(), "pool_size=3")

	buf.Reset()
	logger.WithComponent("event-bus").Info("hidden")
	assert.Zero(t, buf.Len())
}

func TestParseComponentLevels(t *testing.T) {
	levels, err := ParseComponentLevels(map[string]string{"event-bus": "debug", "api": "warning"})
	require.NoError(t, err)
	assert.Equal(t, map[string]LogLevel{"event-bus": DEBUG, "api": WARN}, levels)

	_, err = ParseComponentLevels(map[string]string{"api": "loud"})
	assert.ErrorContains(t, err, "component api")
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		IncludeCaller: true,
	})
	require.NoError(t, err)

	logger.Info("with caller")
	assert.Contains(t, buf.String(), "structured_logger_test.go:")
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing happens")
	assert.NotPanics(t, func() { logger.WithComponent("x").Info("still nothing") })
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	f, err := ParseLogFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseLogFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "TRACE", TRACE.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
	assert.True(t, strings.HasPrefix(FATAL.String(), "FAT"))
}
