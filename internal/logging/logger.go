package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// Default returns the process-wide logger.
func Default() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Info, Text, io.Discard)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// FileOptions configures rotating file output.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type zapLogger struct {
	z *zap.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	return newZap(level, format, zapcore.AddSync(out))
}

// NewFile constructs a Logger writing to a size-rotated file.
func NewFile(level Level, format Format, opts FileOptions) (Logger, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if opts.MaxSizeMB == 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 5
	}
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return newZap(level, format, zapcore.AddSync(w)), nil
}

func newZap(level Level, format Format, ws zapcore.WriteSyncer) Logger {
	var enc zapcore.Encoder
	switch format {
	case JSON:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewJSONEncoder(ec)
	default:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}
	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level.zap()))
	return &zapLogger{z: zap.New(core)}
}

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZap(fields)...)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZap(fields)...) }

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
