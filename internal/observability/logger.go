// Package observability builds the process logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName is the root logger name.
const ServiceName = "hass-mcp"

// levelAliases maps the verbosity names operators know from ASGI servers onto
// zap levels.
var levelAliases = map[string]zapcore.Level{
	"trace":    zapcore.DebugLevel,
	"debug":    zapcore.DebugLevel,
	"info":     zapcore.InfoLevel,
	"warn":     zapcore.WarnLevel,
	"warning":  zapcore.WarnLevel,
	"error":    zapcore.ErrorLevel,
	"critical": zapcore.FatalLevel,
	"fatal":    zapcore.FatalLevel,
}

// ParseLevel resolves a level name. ok is false when the name is unknown, in
// which case InfoLevel is returned.
func ParseLevel(name string) (level zapcore.Level, ok bool) {
	level, ok = levelAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return zapcore.InfoLevel, false
	}
	return level, true
}

// Option adds an output to the logger.
type Option func(*options)

type options struct {
	file *lumberjack.Logger
}

// WithFile also writes JSON entries to path, rotated at 10 MB with three
// compressed backups kept for four weeks.
func WithFile(path string) Option {
	return func(o *options) {
		if path == "" {
			return
		}
		o.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}
}

// New returns a logger writing to sink. A nil sink means stderr: stdout is
// reserved for the stdio transport.
func New(level, format string, sink zapcore.WriteSyncer, opts ...Option) (*zap.Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	lvl, ok := ParseLevel(level)
	if sink == nil {
		sink = zapcore.Lock(os.Stderr)
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	var encoder zapcore.Encoder
	switch format {
	case "", "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(name + ".")
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	if o.file != nil {
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(o.file), atomicLevel))
	}

	logger := zap.New(core, zap.AddStacktrace(zap.ErrorLevel)).Named(ServiceName)
	if !ok {
		logger.Warn("unknown log level, using info", zap.String("log_level", level))
	}
	return logger, nil
}

// Sync flushes buffered entries. Errors from syncing a terminal or pipe are
// expected on some platforms and are not reported.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "sync /dev/stderr") &&
			!strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "inappropriate ioctl") &&
			!strings.Contains(msg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "failed to sync logger:", err)
		}
	}
}
