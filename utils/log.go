package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// slog has no TRACE/CRITICAL, so they sit one step outside DEBUG and ERROR.
const (
	slogTrace    = slog.LevelDebug - 4
	slogCritical = slog.LevelError + 4
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case TRACE:
		return slogTrace
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	case CRITICAL:
		return slogCritical
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts trace|debug|info|warn|error|critical; anything else is INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// Logger is a leveled structured logger. Arguments after the message are
// slog key/value pairs. Loggers derived with With share the output and level.
type Logger struct {
	sl    *slog.Logger
	level *slog.LevelVar
	file  *os.File // owned by the root logger only
}

// NewFileLogger appends to filePath and optionally mirrors every line to stdout.
// format is "text" or "json".
func NewFileLogger(filePath string, minLevel LogLevel, format string, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	var w io.Writer = f
	if alsoStdout {
		w = io.MultiWriter(f, os.Stdout)
	}
	l := NewLogger(w, minLevel, format)
	l.file = f
	return l, nil
}

// NewLogger writes to w only.
func NewLogger(w io.Writer, minLevel LogLevel, format string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(minLevel.slogLevel())

	opts := &slog.HandlerOptions{
		Level:       lv,
		ReplaceAttr: replaceLevelName,
	}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{sl: slog.New(h), level: lv}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger(io.Discard, CRITICAL, "text")
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case lvl <= slogTrace:
		a.Value = slog.StringValue(TRACE.String())
	case lvl >= slogCritical:
		a.Value = slog.StringValue(CRITICAL.String())
	}
	return a
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.level.Set(level.slogLevel())
}

// Enabled reports whether level would be written. Hot paths check it before
// building expensive arguments.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.sl.Enabled(context.Background(), level.slogLevel())
}

// With returns a logger that adds args to every line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...), level: l.level}
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	l.sl.Log(context.Background(), level.slogLevel(), msg, args...)
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
