// common/logger/logger.go

package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config: Level — debug|info|warn|error (дефолт info), DevMode — консоль
// вместо JSON.
type Config struct {
	Level   string
	DevMode bool
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", s, err)
	}
	return lvl, nil
}

// Logger — обёртка над *zap.Logger с уровнем, меняемым на лету.
type Logger struct {
	raw   *zap.Logger
	level zap.AtomicLevel
}

// New строит логгер по Config.
func New(cfg Config) (*Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(lvl)
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.DevMode {
		opts = append(opts, zap.Development())
	}
	return &Logger{raw: zap.New(newCore(cfg.DevMode, atom), opts...), level: atom}, nil
}

// NewWithCore оборачивает готовое ядро (zaptest/observer в тестах).
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{raw: zap.New(core), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{raw: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// SetLevel меняет уровень у логгера и всех его потомков.
func (l *Logger) SetLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

func (l *Logger) Sync() { _ = l.raw.Sync() }

func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name), level: l.level}
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{raw: l.raw.With(fields...), level: l.level}
}

// WithContext добавляет trace_id/span_id активного span'а, job_id и поля,
// положенные через ContextWithFields.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		fields = append(fields, zap.String("job_id", id))
	}
	if extra, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok {
		fields = append(fields, extra...)
	}
	return l.With(fields...)
}

func (l *Logger) Raw() *zap.Logger { return l.raw }

// Sugar — printf/kv-стиль для адаптеров чужих логгеров (cron и т.п.).
func (l *Logger) Sugar() *zap.SugaredLogger { return l.raw.Sugar() }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

type (
	jobIDKey  struct{}
	fieldsKey struct{}
)

// ContextWithJobID tags ctx with the id of the job being processed.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// ContextWithFields накапливает поля, которые WithContext допишет в запись.
func ContextWithFields(ctx context.Context, fields ...zap.Field) context.Context {
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}
