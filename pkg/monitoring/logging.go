package monitoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mrajcok/watchtower/pkg/common"
)

// LogFormat represents log formats
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatText    LogFormat = "text"
	LogFormatConsole LogFormat = "console"
)

// LoggingConfig configuration for the process logger
type LoggingConfig struct {
	Level      string    `json:"level"`
	Format     LogFormat `json:"format"`
	OutputFile string    `json:"output_file"`
}

// SetupLogging configures the global zerolog logger and returns it. The
// returned closer releases the log file, if one was opened.
func SetupLogging(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	if err := SetLevel(cfg.Level); err != nil {
		return zerolog.Logger{}, nil, err
	}

	var (
		output io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case LogFormatConsole:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	log.Logger = logger
	return logger, closer, nil
}

// SetLevel sets the global log level
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// LoggerFromContext returns the global logger with the request correlation id attached
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	logger := log.Logger
	if cid := common.CorrelationIDFromContext(ctx); cid != "" {
		logger = logger.With().Str("cid", cid).Logger()
	}
	return &logger
}

// LogError logs a failure with its internal detail. Classified errors log
// their LogMessage and fields; anything else is logged as-is.
func LogError(ctx context.Context, tag string, err error) {
	logger := LoggerFromContext(ctx)

	var gwErr *common.GatewayError
	if !errors.As(err, &gwErr) {
		logger.Error().Str("tag", tag).Err(err).Msg("Unexpected error")
		return
	}

	event := logger.Error().Str("tag", tag).Str("kind", string(gwErr.Kind))
	if gwErr.CorrelationID != "" && common.CorrelationIDFromContext(ctx) == "" {
		event = event.Str("cid", gwErr.CorrelationID)
	}
	event.Fields(gwErr.Fields).Msg(gwErr.LogMessage)
}
