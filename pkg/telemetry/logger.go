package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a zerolog logger scoped to a workflow run.
type Logger struct {
	zlog  zerolog.Logger
	level zerolog.Level
	file  *os.File
}

type loggerContextKey struct{}

// NewLogger creates the process logger.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	l := &Logger{level: parseLogLevel(cfg.Level)}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		out = f
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime, NoColor: l.file != nil}
	}

	zctx := zerolog.New(out).Level(l.level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	l.zlog = zctx.Logger()

	if cfg.PollSampling > 1 {
		l.zlog = l.zlog.Sample(zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.PollSampling},
		})
	}
	return l, nil
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, level: l.level, file: l.file}
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or one wrapping the global
// zerolog logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: log.Logger, level: zerolog.GlobalLevel()}
}

// WithField returns a logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value).Logger())
}

// WithTrace adds the trace and span ids of an operation.
func (l *Logger) WithTrace(traceID, spanID string) *Logger {
	return l.with(l.zlog.With().Str("trace_id", traceID).Str("span_id", spanID).Logger())
}

// WithRunID adds the workflow run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(l.zlog.With().Str("run_id", runID).Logger())
}

// WithWorkflow adds the workflow name.
func (l *Logger) WithWorkflow(workflow string) *Logger {
	return l.with(l.zlog.With().Str("workflow", workflow).Logger())
}

// WithJob adds the import job name.
func (l *Logger) WithJob(job string) *Logger {
	return l.with(l.zlog.With().Str("job", job).Logger())
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// SetGlobal makes this logger the one used through github.com/rs/zerolog/log.
func (l *Logger) SetGlobal() {
	log.Logger = l.zlog
	zerolog.SetGlobalLevel(l.level)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
