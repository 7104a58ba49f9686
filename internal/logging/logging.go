package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process: human-readable console output in
// development, structured JSON in production.
func Setup(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	var writer = zerolog.ConsoleWriter{Out: os.Stdout}
	if environment == "development" {
		level = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if environment == "production" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	} else {
		logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	}

	log.Logger = logger
	return logger
}
