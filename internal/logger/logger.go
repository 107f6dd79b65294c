package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger handed to every recorder component.
type Logger struct {
	*zap.Logger
}

// LogConfig selects level, encoding and destination.
type LogConfig struct {
	Level  string
	Format string // json | console
	Output string // stdout | stderr | file path
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg LogConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "console", "text":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	case "", "json":
		zcfg = zap.NewProductionConfig()
		zcfg.Encoding = "json"
		zcfg.EncoderConfig = zap.NewProductionEncoderConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil

	switch cfg.Output {
	case "", "stdout":
		zcfg.OutputPaths = []string{"stdout"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
	default:
		zcfg.OutputPaths = []string{cfg.Output}
		zcfg.ErrorOutputPaths = []string{cfg.Output}
	}

	zl, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &Logger{zl}, nil
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync()
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{l.Logger.Named(component)}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{l.Logger.With(convertFields(kv...)...)}
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.Logger.Info(msg, convertFields(kv...)...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.Logger.Error(msg, convertFields(kv...)...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.Logger.Warn(msg, convertFields(kv...)...)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.Logger.Debug(msg, convertFields(kv...)...)
}

// convertFields turns alternating key/value pairs into zap fields.
// Errors are logged under their key with zap's error encoding.
func convertFields(kv ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case error:
			fields = append(fields, zap.NamedError(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	if len(kv)%2 == 1 {
		fields = append(fields, zap.Any("extra", kv[len(kv)-1]))
	}
	return fields
}

// NewNopLogger creates a no-op logger for testing
func NewNopLogger() *Logger {
	return &Logger{zap.NewNop()}
}
