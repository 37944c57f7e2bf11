// Package logger builds the service's root zerolog logger. Components derive
// sub-loggers from it with With().Str("service"/"repo"/"job", ...).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level   string    // trace, debug, info, warn, error (default info)
	Pretty  bool      // Enable pretty console output
	Service string    // Stamped on every line as "app" (default "ledgercore")
	Out     io.Writer // Destination, defaults to os.Stdout
}

// New creates the root structured logger. Caller annotation is only enabled
// at debug and below; posting paths log per request and the lookup is not
// free.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	service := cfg.Service
	if service == "" {
		service = "ledgercore"
	}

	builder := zerolog.New(out).
		With().
		Timestamp().
		Str("app", service)
	if level <= zerolog.DebugLevel {
		builder = builder.Caller()
	}
	return builder.Logger()
}

// SetGlobalLogger sets the package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
