package infra

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the service logger. Development gets a human console
// writer at debug level; everything else emits JSON at info so chunk-append
// request logs stay cheap to ship.
func NewLogger(appEnv string) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}

	var out = zerolog.New(os.Stdout)
	if appEnv == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return out.Level(level).
		With().
		Timestamp().
		Str("service", "mealsnap").
		Logger()
}

// Logger aliases zerolog.Logger so the rest of the module depends on the
// logging contract without importing the third-party package directly.
type Logger = zerolog.Logger
