package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "brokerledger"

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}

// NewLogger builds the JSON logger for one component. The level comes
// from BROKER_LOG_LEVEL using zerolog's level names; unknown or empty
// values fall back to info rather than failing startup.
func NewLogger(component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("BROKER_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel builds a logger with an explicit level. Every line
// carries the service and component so logs from the api binary and the
// migrate binary stay distinguishable downstream.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("component", component).
		Logger()
}
