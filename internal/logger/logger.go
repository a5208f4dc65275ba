// Package logger provides JSON structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLogger zerolog.Logger

// Config controls the global logger.
type Config struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Debug      bool   `mapstructure:"debug" json:"debug" yaml:"debug"`
	Output     string `mapstructure:"output" json:"output" yaml:"output"`
	TimeFormat string `mapstructure:"time_format" json:"time_format" yaml:"time_format"`
}

func init() {
	globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init replaces the global logger according to config.
func Init(config Config) error {
	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	globalLogger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = globalLogger
	return nil
}

// SetLevel changes the level of the global logger.
func SetLevel(level zerolog.Level) {
	globalLogger = globalLogger.Level(level)
	log.Logger = globalLogger
}

// GetLogger returns the global logger.
func GetLogger() zerolog.Logger {
	return globalLogger
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}
