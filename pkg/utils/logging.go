package utils

import (
	"fmt"
	"strings"
)

// LogLevel orders log severities; a logger emits entries at or above its level.
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l LogLevel) String() string {
	if l < TRACE || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLogLevel accepts a level name in any case. "WARNING" is an alias
// for WARN and the empty string means INFO.
func ParseLogLevel(level string) (LogLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(level))
	switch name {
	case "":
		return INFO, nil
	case "WARNING":
		return WARN, nil
	}
	for i, n := range levelNames {
		if n == name {
			return LogLevel(i), nil
		}
	}
	return INFO, fmt.Errorf("invalid log level: %s", level)
}

// LogFormat selects how entries are rendered.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// ParseLogFormat parses "text" or "json"; empty means text.
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("invalid log format: %s", format)
}

// ParseComponentLevels parses a component to level-name map.
func ParseComponentLevels(levels map[string]string) (map[string]LogLevel, error) {
	out := make(map[string]LogLevel, len(levels))
	for component, name := range levels {
		level, err := ParseLogLevel(name)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", component, err)
		}
		out[component] = level
	}
	return out, nil
}
