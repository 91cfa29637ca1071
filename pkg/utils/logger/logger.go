package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"libcompart/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalLogger *Logger

// Logger wraps zap logger with context support
type Logger struct {
	zap  *zap.Logger
	file *os.File
}

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	Format     string `yaml:"format"`     // json, console
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
}

// Init initializes the global logger
func Init(cfg Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg Config) (*Logger, error) {
	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stdout"
	}
	switch outputPath {
	case "stdout":
		return build(cfg, zapcore.AddSync(os.Stdout), nil, true)
	case "stderr":
		return build(cfg, zapcore.AddSync(os.Stderr), nil, true)
	}

	file, err := OpenFile(outputPath)
	if err != nil {
		return nil, err
	}
	return NewFileLogger(cfg, file, nil)
}

// OpenFile opens a log file for appending, creating it if needed.
func OpenFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// NewFileLogger creates a logger on an already-open file. onWriteError, if
// set, is called whenever an entry cannot be written in full.
func NewFileLogger(cfg Config, file *os.File, onWriteError func(error)) (*Logger, error) {
	ws := &checkedWriter{w: file, sync: file.Sync, onError: onWriteError}
	l, err := build(cfg, ws, file, false)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

func build(cfg Config, ws zapcore.WriteSyncer, file *os.File, color bool) (*Logger, error) {
	// Parse log level
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	// Encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     customTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Choose encoder
	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if color {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, ws, level)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{zap: zapLogger, file: file}, nil
}

// customTimeEncoder formats time in RFC3339 format
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339Nano))
}

// checkedWriter reports failed and short writes to a hook.
type checkedWriter struct {
	w       io.Writer
	sync    func() error
	onError func(error)
}

func (c *checkedWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil && c.onError != nil {
		c.onError(err)
	}
	return n, err
}

func (c *checkedWriter) Sync() error {
	if c.sync == nil {
		return nil
	}
	// Sync on pipes and character devices is not meaningful.
	_ = c.sync()
	return nil
}

// File returns the file backing the logger, or nil for stdout and nop loggers.
func (l *Logger) File() *os.File {
	return l.file
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Close flushes the logger and closes its file.
func (l *Logger) Close() error {
	_ = l.zap.Sync()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithContext extracts fields from context (compartment, run, pid) and returns logger with those fields
func (l *Logger) WithContext(ctx context.Context) *zap.Logger {
	fields := extractFieldsFromContext(ctx)
	return l.zap.With(fields...)
}

// extractFieldsFromContext extracts structured fields from context
func extractFieldsFromContext(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if ctx == nil {
		return fields
	}

	if name := ctx.Value(contextkey.Compartment); name != nil {
		fields = append(fields, zap.String("compartment", fmt.Sprint(name)))
	}

	if runID := ctx.Value(contextkey.RunID); runID != nil {
		fields = append(fields, zap.String("run_id", fmt.Sprint(runID)))
	}

	if pid := ctx.Value(contextkey.PID); pid != nil {
		fields = append(fields, zap.Any("pid", pid))
	}

	return fields
}

// Global logger convenience functions

// Info logs an info message
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Info(msg, fields...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	if globalLogger == nil {
		return
	}
	globalLogger.WithContext(ctx).Error(msg, fields...)
}

// Sync flushes the global logger
func Sync() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Sync()
}
