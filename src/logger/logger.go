package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -----------------------------------------------------------------------------

// LevelSource is satisfied by configs that carry a log level.
type LevelSource interface {
	GetLogLevel() string
}

// -----------------------------------------------------------------------------

// Logger provides named, printf-style logging on top of zap
type Logger struct {
	name  string
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

// -----------------------------------------------------------------------------

// NewLogger creates a new Logger instance. config may be nil or a LevelSource.
func NewLogger(config interface{}, name string) *Logger {
	level := zapcore.InfoLevel
	if src, ok := config.(LevelSource); ok {
		level = parseLevel(src.GetLogLevel())
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: falling back to development logger: %v\n", err)
		base, _ = zap.NewDevelopment()
	}

	return wrap(base.Named(name), name)
}

// -----------------------------------------------------------------------------

// Nop returns a logger that discards everything
func Nop() *Logger {
	return wrap(zap.NewNop(), "nop")
}

// -----------------------------------------------------------------------------

func wrap(base *zap.Logger, name string) *Logger {
	return &Logger{name: name, base: base, sugar: base.Sugar()}
}

// -----------------------------------------------------------------------------

// Named returns a child logger sharing the same core
func (l *Logger) Named(name string) *Logger {
	return wrap(l.base.Named(name), l.name+"."+name)
}

// -----------------------------------------------------------------------------

// With returns a child logger carrying structured key/value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := l.sugar.With(keysAndValues...)
	return &Logger{name: l.name, base: child.Desugar(), sugar: child}
}

// -----------------------------------------------------------------------------

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// -----------------------------------------------------------------------------

func (l *Logger) Warning(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// -----------------------------------------------------------------------------

// Info logs informational messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// -----------------------------------------------------------------------------

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// -----------------------------------------------------------------------------

// Critical logs critical errors and exits the application
func (l *Logger) Critical(format string, args ...interface{}) {
	l.sugar.Errorf("CRITICAL: "+format, args...)
	_ = l.base.Sync()
	os.Exit(1)
}

// -----------------------------------------------------------------------------

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// -----------------------------------------------------------------------------

// Zap exposes the underlying logger for libraries that want one
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// -----------------------------------------------------------------------------

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
