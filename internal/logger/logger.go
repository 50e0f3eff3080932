package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured once at startup.
var Log zerolog.Logger

// Initialize sets up the global logger with configuration.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "strato-controlplane").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// CA creates a logger for Identity Service (CA) events.
func CA() *zerolog.Logger { return component("ca") }

// Enrollment creates a logger for the enrollment service.
func Enrollment() *zerolog.Logger { return component("enrollment") }

// Registry creates a logger for the agent registry.
func Registry() *zerolog.Logger { return component("registry") }

// Channel creates a logger for the agent channel transport.
func Channel() *zerolog.Logger { return component("channel") }

// Scheduler creates a logger for scheduling decisions.
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Ledger creates a logger for quota ledger events.
func Ledger() *zerolog.Logger { return component("ledger") }

// Lifecycle creates a logger for the VM lifecycle coordinator.
func Lifecycle() *zerolog.Logger { return component("lifecycle") }

// EventBus creates a logger for the NATS-backed event bus.
func EventBus() *zerolog.Logger { return component("eventbus") }

// Database creates a logger for database events.
func Database() *zerolog.Logger { return component("database") }

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger { return component("http") }

// Authz creates a logger for authorization oracle client events.
func Authz() *zerolog.Logger { return component("authz") }
