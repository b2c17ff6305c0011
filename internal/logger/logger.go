package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"announcement-dispatcher/internal/config"
)

type contextKey string

const loggerKey contextKey = "logger"

// New creates a JSON zerolog.Logger at the given level; invalid levels fall back to info.
func New(level string) zerolog.Logger {
	return newWithWriter(os.Stdout, level)
}

// NewFromConfig selects the output writer from cfg.LogOutput:
// "file" writes to a rotating file, anything else to stdout.
func NewFromConfig(cfg config.Config, service string) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if cfg.LogOutput == "file" {
		writer = NewFileWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxFiles)
	}
	return newWithWriter(writer, cfg.LogLevel).With().Str("service", service).Logger()
}

// NewFileWriter returns a size-rotated log file writer. Rotated files are gzip compressed.
func NewFileWriter(path string, maxSizeMB, maxFiles int) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxFiles,
		Compress:   true,
	}
}

func newWithWriter(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the logger stored in ctx, or an info-level stdout logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return New("info")
}
