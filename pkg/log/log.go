package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger scoped to a subsystem (admission,
// kernel, events.durable, kerneld, ...), the field every log line in this
// tree carries.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTenant creates a child logger scoped to a single tenant, for log
// lines produced outside the context of any one timer (quota rejections,
// policy loads).
func WithTenant(tenantID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Logger()
}

// WithTimer creates a child logger scoped to one timer's lifecycle, the
// pair of fields that lets an operator grep a single timer's history out
// of a replica's log across schedule, fire, and settle.
func WithTimer(tenantID, timerID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Str("timer_id", timerID).Logger()
}

// WithRequest creates a child logger scoped to one admitted command,
// carrying the request ID the admission gate mints and signs into that
// command's audit log entry, so a signed entry and the log lines produced
// while handling it can be correlated by grep.
func WithRequest(tenantID, requestID string) zerolog.Logger {
	return Logger.With().Str("tenant_id", tenantID).Str("request_id", requestID).Logger()
}

// Fatal logs a structured fatal event and exits. Reserved for the kernel's
// fatal-error class: corruption, snapshot checksum mismatch, or an
// invariant violation detected during replay.
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
