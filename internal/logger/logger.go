package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"example.com/rpcmux/internal/config"
)

// LogFields carries structured context for a log entry.
type LogFields map[string]interface{}

// Logger writes structured logs through zerolog. Child loggers created with
// With share the parent's output, so ReopenLogFiles and CloseLogFiles affect
// the whole tree.
type Logger struct {
	zl  zerolog.Logger
	out *fileOutput
}

// fileOutput is the shared sink behind a Logger tree. When the target is a
// file it can be reopened in place for log rotation.
type fileOutput struct {
	mu   sync.Mutex
	w    io.Writer
	file *os.File
	path string
}

func (o *fileOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *fileOutput) reopen() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing log file %s during reopen: %v\n", o.path, err)
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		o.file = nil
		o.w = os.Stderr
		return fmt.Errorf("failed to reopen log file %s: %w", o.path, err)
	}
	o.file = f
	o.w = f
	return nil
}

func (o *fileOutput) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		o.file.Close()
		o.file = nil
		o.w = io.Discard
	}
}

// NewLogger creates a Logger from the logging configuration.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	out := &fileOutput{}
	switch {
	case cfg.Target == "" || cfg.Target == "stderr":
		out.w = os.Stderr
	case cfg.Target == "stdout":
		out.w = os.Stdout
	case config.IsFilePath(cfg.Target):
		f, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Target, err)
		}
		out.w, out.file, out.path = f, f, cfg.Target
	}

	var w io.Writer = out
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: out, NoColor: true}
	}

	zl := zerolog.New(w).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()
	return &Logger{zl: zl, out: out}, nil
}

// New creates a JSON Logger writing to w at the given level. Intended for tests
// and embedding.
func New(w io.Writer, level config.LogLevel) *Logger {
	out := &fileOutput{w: w}
	return &Logger{zl: zerolog.New(out).Level(zerologLevel(level)).With().Timestamp().Logger(), out: out}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), out: &fileOutput{w: io.Discard}}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields LogFields) *Logger {
	return &Logger{zl: l.zl.With().Fields(map[string]interface{}(fields)).Logger(), out: l.out}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.emit(l.zl.Error(), msg, fields) }

// DebugEnabled reports whether debug entries are written.
func (l *Logger) DebugEnabled() bool { return l.zl.GetLevel() <= zerolog.DebugLevel }

// CloseLogFiles closes any open log file. Called during server shutdown.
func (l *Logger) CloseLogFiles() {
	l.out.close()
}

// ReopenLogFiles closes and reopens a file-based log target, for SIGHUP
// handling after log rotation. On failure logging falls back to stderr.
func (l *Logger) ReopenLogFiles() error {
	return l.out.reopen()
}
