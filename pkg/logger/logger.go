// Package logger builds the zap logger used across scorekeeper and provides
// field helpers for the identifiers that show up in most log lines.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is "json" (production encoder) or "console" (development encoder).
	Format string

	// Output defaults to stdout.
	Output io.Writer
}

// DefaultOptions returns info-level JSON logging to stdout.
func DefaultOptions() Options {
	return Options{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

// New creates a zap logger from options.
func New(opts Options) (*zap.Logger, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	switch opts.Format {
	case "console":
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "", "json":
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Context key for logger.
type ctxKey struct{}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger from context, or returns a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// Scorekeeper logging helpers.
func ArchiveID(id string) zap.Field         { return zap.String("archive_id", id) }
func Kind(kind string) zap.Field            { return zap.String("kind", kind) }
func UUID(id string) zap.Field              { return zap.String("uuid", id) }
func ClassKey(key string) zap.Field         { return zap.String("class_key", key) }
func StudentName(name string) zap.Field     { return zap.String("student_name", name) }
func TemplateKey(key string) zap.Field      { return zap.String("template_key", key) }
func Component(name string) zap.Field       { return zap.String("component", name) }
func Operation(name string) zap.Field       { return zap.String("operation", name) }
func Latency(d time.Duration) zap.Field     { return zap.Duration("latency", d) }
func Attempt(n int) zap.Field               { return zap.Int("attempt", n) }
func ShardFile(path string) zap.Field       { return zap.String("shard_file", path) }
func Version(v fmt.Stringer) zap.Field      { return zap.Stringer("version", v) }
func ObjectCount(n int) zap.Field           { return zap.Int("object_count", n) }
func Footprint(human string) zap.Field      { return zap.String("footprint", human) }
func TickCost(d time.Duration) zap.Field    { return zap.Duration("tick_cost", d) }
func FrameBudget(d time.Duration) zap.Field { return zap.Duration("frame_budget", d) }
