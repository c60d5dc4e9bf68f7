// Package logging provides structured logging for Storyforge.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel converts a string to a LogLevel.
// Accepts debug, info, warn/warning, error (case-insensitive).
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger.
type Options struct {
	Level LogLevel
	// Output receives every entry. Defaults to stdout when File is empty.
	Output io.Writer
	// File enables a size-rotated log file in addition to Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured JSON logging.
type Logger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
	file  *lumberjack.Logger
}

var (
	mu     sync.RWMutex
	global *Logger
)

// New builds a Logger from opts.
func New(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var sinks []zapcore.WriteSyncer
	out := opts.Output
	if out == nil && opts.File == "" {
		out = os.Stdout
	}
	if out != nil {
		sinks = append(sinks, zapcore.AddSync(out))
	}

	l := &Logger{level: level}
	if opts.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		sinks = append(sinks, zapcore.AddSync(l.file))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	l.zl = zap.New(core)
	return l
}

// Init replaces the global logger.
func Init(opts Options) *Logger {
	l := New(opts)
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return l
}

// Get returns the global logger instance, creating a stdout logger at
// info level on first use.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(Options{Level: LevelInfo})
	}
	return global
}

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level.Enabled(level.zapLevel())
}

// Close flushes buffered entries and closes the rotated file, if any.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.zl.Debug(message, fields(context)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.zl.Info(message, fields(context)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.zl.Warn(message, fields(context)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	fs := fields(context)
	if err != nil {
		fs = append(fs, zap.String("error", err.Error()))
	}
	l.zl.Error(message, fs...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	fs := fields(context)
	fs = append(fs, zap.String("error_code", code))
	if err != nil {
		fs = append(fs, zap.String("error", err.Error()))
	}
	l.zl.Error(message, fs...)
}

// fields merges context maps into zap fields with stable key order.
func fields(context []map[string]interface{}) []zap.Field {
	if len(context) == 0 {
		return nil
	}
	merged := context[0]
	if len(context) > 1 {
		merged = make(map[string]interface{})
		for _, c := range context {
			for k, v := range c {
				merged[k] = v
			}
		}
	}
	if len(merged) == 0 {
		return nil
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fs := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fs = append(fs, zap.Any(k, merged[k]))
	}
	return fs
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
