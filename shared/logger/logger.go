// Package logger wires zerolog the same way in every Forge service.
package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the console writer on the global logger. DEBUG=1 enables debug output.
func Setup() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// New returns a sub-logger tagged with the given component.
func New(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
