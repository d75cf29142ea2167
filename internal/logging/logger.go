// Package logging provides structured logging for OffGrid Edge.
// It keeps a small leveled API with field maps on top of zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger provides structured logging
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	level    Level
	jsonMode bool
	fields   map[string]any
	zl       zerolog.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr)
	})
	return defaultLogger
}

// New creates a new logger writing human-readable lines to output.
func New(output io.Writer) *Logger {
	l := &Logger{
		output: output,
		level:  LevelInfo,
		fields: make(map[string]any),
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(io.Discard).SetLevel(LevelError + 1)
}

func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if !l.jsonMode {
		w = zerolog.ConsoleWriter{Out: l.output, TimeFormat: "15:04:05", NoColor: true}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if len(l.fields) > 0 {
		ctx = ctx.Fields(l.fields)
	}
	lvl := l.level.zerolog()
	if l.level > LevelError {
		lvl = zerolog.Disabled
	}
	l.zl = ctx.Logger().Level(lvl)
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level Level) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
	return l
}

// SetLevelFromString sets level from string (debug, info, warn, error)
func (l *Logger) SetLevelFromString(level string) *Logger {
	switch level {
	case "debug":
		return l.SetLevel(LevelDebug)
	case "info":
		return l.SetLevel(LevelInfo)
	case "warn", "warning":
		return l.SetLevel(LevelWarn)
	case "error":
		return l.SetLevel(LevelError)
	}
	return l
}

// SetJSON enables JSON output mode
func (l *Logger) SetJSON(enabled bool) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jsonMode = enabled
	l.rebuild()
	return l
}

// With returns a new logger with additional fields
func (l *Logger) With(fields map[string]any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newLogger := &Logger{
		output:   l.output,
		level:    l.level,
		jsonMode: l.jsonMode,
		fields:   make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		newLogger.fields[k] = v
	}
	for k, v := range fields {
		newLogger.fields[k] = v
	}
	newLogger.rebuild()
	return newLogger
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.log(LevelError, msg, fields...)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level Level, msg string, fields ...map[string]any) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	event := zl.WithLevel(level.zerolog())
	if event == nil {
		return
	}
	for _, f := range fields {
		for k, v := range f {
			if err, ok := v.(error); ok {
				event = event.AnErr(k, err)
				continue
			}
			if d, ok := v.(time.Duration); ok {
				event = event.Dur(k, d)
				continue
			}
			event = event.Interface(k, v)
		}
	}
	event.Msg(msg)
}

// Package-level convenience functions using the default logger

// Debug logs a debug message
func Debug(msg string, fields ...map[string]any) {
	Default().Debug(msg, fields...)
}

// Info logs an info message
func Info(msg string, fields ...map[string]any) {
	Default().Info(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...map[string]any) {
	Default().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...map[string]any) {
	Default().Error(msg, fields...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...any) {
	Default().Debugf(format, args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...any) {
	Default().Infof(format, args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...any) {
	Default().Warnf(format, args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...any) {
	Default().Errorf(format, args...)
}

// SetLevel sets the default logger level
func SetLevel(level Level) {
	Default().SetLevel(level)
}

// SetJSON enables JSON mode on the default logger
func SetJSON(enabled bool) {
	Default().SetJSON(enabled)
}
