// Package logger builds the *slog.Logger used by the playground binary and
// adapts it to core.Logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Swind/go-dispatch/core"
)

// Severity names accepted in configuration, lowest first.
const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

const (
	// LevelTrace is below slog.LevelDebug so that everything else is logged.
	LevelTrace = slog.Level(-8)
	// LevelOff is above every level that is ever emitted.
	LevelOff = slog.Level(12)
)

// Options describes where and how to log.
type Options struct {
	// Severity is one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string
	// Format is "text" or "json".
	Format string
	// FilePath, when set, sends logs to a rotated file instead of stderr.
	FilePath        string
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// Logger is a configured *slog.Logger together with its mutable level and
// the file it writes to, if any.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// New builds a Logger writing to stderr or to opts.FilePath.
func New(opts Options) (*Logger, error) {
	var w io.Writer = os.Stderr
	var file *lumberjack.Logger
	if opts.FilePath != "" {
		file = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxFileSizeMB,
			MaxBackups: opts.BackupFileCount,
			Compress:   opts.Compress,
		}
		w = file
	}

	l, err := NewWithWriter(w, opts)
	if err != nil {
		return nil, err
	}
	l.file = file
	return l, nil
}

// NewWithWriter builds a Logger writing to w. File options are ignored.
func NewWithWriter(w io.Writer, opts Options) (*Logger, error) {
	level := new(slog.LevelVar)
	if err := SetSeverity(level, opts.Severity); err != nil {
		return nil, err
	}

	handler, err := newHandler(w, level, opts.Format)
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: slog.New(handler), level: level}, nil
}

func newHandler(w io.Writer, level *slog.LevelVar, format string) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, handlerOpts), nil
	case "json":
		return slog.NewJSONHandler(w, handlerOpts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// replaceAttr renames level to severity using the configuration names and
// msg to message.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.LevelKey:
		level, _ := a.Value.Any().(slog.Level)
		return slog.String("severity", severityName(level))
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

func severityName(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return SeverityTrace
	case level < slog.LevelInfo:
		return SeverityDebug
	case level < slog.LevelWarn:
		return SeverityInfo
	case level < slog.LevelError:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// SetSeverity sets programLevel from a severity name. An empty name means INFO.
func SetSeverity(programLevel *slog.LevelVar, severity string) error {
	// logs having severity >= the configured value will be logged.
	switch strings.ToUpper(severity) {
	case SeverityTrace:
		programLevel.Set(LevelTrace)
	case SeverityDebug:
		programLevel.Set(slog.LevelDebug)
	case "", SeverityInfo:
		programLevel.Set(slog.LevelInfo)
	case SeverityWarning:
		programLevel.Set(slog.LevelWarn)
	case SeverityError:
		programLevel.Set(slog.LevelError)
	case SeverityOff:
		programLevel.Set(LevelOff)
	default:
		return fmt.Errorf("unknown log severity %q", severity)
	}
	return nil
}

// SetSeverity changes the level at runtime.
func (l *Logger) SetSeverity(severity string) error {
	return SetSeverity(l.level, severity)
}

// Trace logs below debug level.
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// Core adapts l to the core.Logger interface.
func (l *Logger) Core() core.Logger {
	return core.NewSlogLogger(l.Logger)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
