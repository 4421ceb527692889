package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger handles debug logging to a rotating file, with errors mirrored to
// stderr. Instances are passed explicitly; there is no package-level default.
type Logger struct {
	zl      *zap.SugaredLogger
	rotator *lumberjack.Logger
	enabled bool
}

// Options controls logger construction.
type Options struct {
	Dir     string // log directory; created if missing
	Debug   bool   // when false, only Error output is produced
	MaxSize int    // megabytes per log file before rotation; 0 means 10
}

// New creates a file logger under opts.Dir. When opts.Debug is false the
// logger still exists (errors always reach stderr) but Debug/Info/Stream
// output is suppressed.
func New(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		opts.Dir = filepath.Join(home, ".loom", "logs")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = 10
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "loom.log"),
		MaxSize:    maxSize,
		MaxBackups: 5,
		MaxAge:     30,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	fileLevel := zapcore.ErrorLevel
	if opts.Debug {
		fileLevel = zapcore.DebugLevel
	}

	fileCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(rotator),
		fileLevel,
	)
	// stdout carries the wire protocol, so human-facing errors go to stderr.
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.ErrorLevel,
	)

	zl := zap.New(zapcore.NewTee(fileCore, stderrCore))
	return &Logger{
		zl:      zl.Sugar(),
		rotator: rotator,
		enabled: opts.Debug,
	}, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zl: zap.NewNop().Sugar()}
}

// Enabled returns whether debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.enabled
}

// Debug logs a debug message (file only).
func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debugf(format, args...)
}

// Info logs an info message (file only).
func (l *Logger) Info(format string, args ...any) {
	l.zl.Infof(format, args...)
}

// Error logs an error message (file and stderr).
func (l *Logger) Error(format string, args ...any) {
	l.zl.Errorf(format, args...)
}

// Request logs an incoming request.
func (l *Logger) Request(action string, raw string) {
	if !l.enabled {
		return
	}
	l.zl.Debugw("request", "action", action, "raw", truncate(raw, 500))
}

// Response logs an outgoing response.
func (l *Logger) Response(msgType string, raw string) {
	if !l.enabled {
		return
	}
	l.zl.Debugw("response", "type", msgType, "raw", truncate(raw, 500))
}

// Stream logs a streaming event.
func (l *Logger) Stream(eventType string, content string) {
	if !l.enabled {
		return
	}
	l.zl.Debugw("stream", "event", eventType, "content", truncate(content, 200))
}

// ToolCall logs a tool call.
func (l *Logger) ToolCall(name string, args string) {
	if !l.enabled {
		return
	}
	l.zl.Debugw("tool", "name", name, "args", truncate(args, 500))
}

// Close flushes and closes the underlying sinks.
func (l *Logger) Close() {
	_ = l.zl.Sync()
	if l.rotator != nil {
		_ = l.rotator.Close()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
