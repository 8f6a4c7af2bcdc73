package config

import (
	"fmt"
	"slices"
	"strings"
)

// LogSeverity represents the logging severity and can accept the following values
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severities = []LogSeverity{
	TraceLogSeverity, DebugLogSeverity, InfoLogSeverity,
	WarningLogSeverity, ErrorLogSeverity, OffLogSeverity,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if !slices.Contains(severities, level) {
		return fmt.Errorf("invalid log severity level: %s. Must be one of %v", text, severities)
	}
	*l = level
	return nil
}

func (l LogSeverity) MarshalText() ([]byte, error) {
	return []byte(l), nil
}
