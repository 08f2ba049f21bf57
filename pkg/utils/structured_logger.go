package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Field keys shared by the factory's log lines.
const (
	FieldComponent = "component"
	FieldPlatform  = "platform"
	FieldAdapterID = "adapter_id"
	FieldOperation = "operation"
	FieldError     = "error"
	FieldDuration  = "duration"
)

// LogEntry is one rendered log line. JSON output marshals it directly.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level  LogLevel
	Output io.Writer
	Format LogFormat
	// ComponentLevels override Level for loggers carrying a component field.
	ComponentLevels map[string]LogLevel
	IncludeCaller   bool
}

// DefaultStructuredLoggerConfig logs INFO and above as text to stdout.
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
	}
}

// sink is shared by a logger and all loggers derived from it.
type sink struct {
	mu         sync.Mutex
	out        io.Writer
	level      LogLevel
	components map[string]LogLevel
	encode     func(LogEntry) []byte
	caller     bool
}

// StructuredLogger writes leveled entries carrying a fixed set of context
// fields. Derived loggers copy the fields and share output and levels.
type StructuredLogger struct {
	sink   *sink
	fields map[string]interface{}
}

// NewStructuredLogger creates a logger; a nil config means the default.
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Output == nil {
		return nil, fmt.Errorf("logger output cannot be nil")
	}

	s := &sink{
		out:        config.Output,
		level:      config.Level,
		components: make(map[string]LogLevel, len(config.ComponentLevels)),
		encode:     encodeText,
		caller:     config.IncludeCaller,
	}
	if config.Format == FormatJSON {
		s.encode = encodeJSON
	}
	for c, l := range config.ComponentLevels {
		s.components[c] = l
	}
	return &StructuredLogger{sink: s}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *StructuredLogger {
	logger, _ := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  FATAL + 1,
		Output: io.Discard,
	})
	return logger
}

func (sl *StructuredLogger) with(kv ...interface{}) *StructuredLogger {
	fields := make(map[string]interface{}, len(sl.fields)+len(kv)/2)
	for k, v := range sl.fields {
		fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i].(string)] = kv[i+1]
	}
	return &StructuredLogger{sink: sl.sink, fields: fields}
}

// WithField returns a child logger with one more context field.
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.with(key, value)
}

// WithComponent tags the child logger with a component; component levels
// apply to it.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.with(FieldComponent, component)
}

// WithAdapter scopes the child logger to one adapter instance.
func (sl *StructuredLogger) WithAdapter(platformID, adapterID string) *StructuredLogger {
	return sl.with(FieldPlatform, platformID, FieldAdapterID, adapterID)
}

// SetLevel changes the level for this logger and every logger sharing its output.
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.sink.mu.Lock()
	sl.sink.level = level
	sl.sink.mu.Unlock()
}

// SetComponentLevel overrides the level for one component.
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.sink.mu.Lock()
	sl.sink.components[component] = level
	sl.sink.mu.Unlock()
}

// GetLevel returns the base level.
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.sink.mu.Lock()
	defer sl.sink.mu.Unlock()
	return sl.sink.level
}

func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.emit(DEBUG, message, fields)
}

func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.emit(INFO, message, fields)
}

func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.emit(WARN, message, fields)
}

func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.emit(ERROR, message, fields)
}

func (sl *StructuredLogger) threshold() LogLevel {
	if c, ok := sl.fields[FieldComponent].(string); ok {
		if l, ok := sl.sink.components[c]; ok {
			return l
		}
	}
	return sl.sink.level
}

// emit must be called directly by the exported level methods so the
// caller frame depth stays fixed.
func (sl *StructuredLogger) emit(level LogLevel, message string, extra []map[string]interface{}) {
	s := sl.sink
	s.mu.Lock()
	enabled := level >= sl.threshold()
	s.mu.Unlock()
	if !enabled {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}, len(sl.fields)),
	}
	for k, v := range sl.fields {
		entry.Fields[k] = v
	}
	for _, m := range extra {
		for k, v := range m {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry.Fields[k] = v
		}
	}
	if s.caller {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	line := s.encode(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(line)
}

func encodeJSON(entry LogEntry) []byte {
	b, err := json.Marshal(entry)
	if err != nil {
		return encodeText(entry)
	}
	return append(b, '\n')
}

// encodeText writes fields sorted by key.
func encodeText(entry LogEntry) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] ", entry.Timestamp.Format("2006-01-02 15:04:05.000"), entry.Level)
	if entry.Caller != "" {
		fmt.Fprintf(&sb, "[%s] ", entry.Caller)
	}
	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%v", k, entry.Fields[k])
		}
		sb.WriteString(" {" + strings.Join(pairs, ", ") + "}")
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
