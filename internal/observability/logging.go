package observability

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger passed to every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
	Sync() error
}

// Field is a structured log field.
type Field = zap.Field

var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Uint32   = zap.Uint32
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)

// SecretName tags an entry with the secret it concerns.
func SecretName(name string) Field { return zap.String("secret", name) }

// Source tags an entry with a discovery config source key.
func Source(key string) Field { return zap.String("source", key) }

// LogConfig selects level, encoding and sink. Zero values mean info, json
// and stdout.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	Output string `yaml:"output,omitempty"`
}

// DefaultLogConfig returns the configuration used when nothing is set.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: "stdout"}
}

// zapLogger promotes the zap level methods and rewraps derived loggers.
type zapLogger struct {
	*zap.Logger
}

func (l zapLogger) With(fields ...Field) Logger { return zapLogger{l.Logger.With(fields...)} }
func (l zapLogger) Named(name string) Logger    { return zapLogger{l.Logger.Named(name)} }

// NewLogger builds a zap-backed Logger from cfg.
func NewLogger(cfg LogConfig) (Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(enc)
	case "console":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	sink := os.Stdout
	if cfg.Output == "stderr" {
		sink = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(sink), level)
	return zapLogger{zap.New(core, zap.AddCaller())}, nil
}

// NewLoggerFromZap wraps an existing zap logger. A nil logger discards.
func NewLoggerFromZap(logger *zap.Logger) Logger {
	if logger == nil {
		return NopLogger()
	}
	return zapLogger{logger}
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return zapLogger{zap.NewNop()} }

var global atomic.Pointer[Logger]

// SetGlobalLogger replaces the process-wide logger returned by L. Passing
// nil restores the discarding default.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		global.Store(nil)
		return
	}
	global.Store(&logger)
}

// L returns the process-wide logger.
func L() Logger {
	if p := global.Load(); p != nil {
		return *p
	}
	return NopLogger()
}
