package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamplane/coordinator/pkg/metrics"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	componentMu     sync.RWMutex
	componentLevels map[string]zerolog.Level
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

	// ComponentLevels overrides Level for specific components (the string
	// passed to WithComponent, e.g. "amender" or "updatephase"), so an
	// operator chasing a problem in one package can turn on debug logging
	// there without flooding every other component's output.
	ComponentLevels map[string]Level
}

// metricsHook increments LogEventsTotal for every log event the global
// logger emits, giving log volume by level the same Prometheus visibility as
// the rest of the coordinator's counters.
type metricsHook struct{}

func (metricsHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	metrics.LogEventsTotal.WithLabelValues(level.String()).Inc()
}

// Init initializes the global logger
func Init(cfg Config) {
	level := parseLevel(cfg.Level)

	// zerolog's global level filters every logger, so it is set to the most
	// verbose of the base level and the component overrides; the base level
	// itself is pinned on Logger and inherited by every child logger.
	floor := level
	componentMu.Lock()
	componentLevels = make(map[string]zerolog.Level, len(cfg.ComponentLevels))
	for component, lvl := range cfg.ComponentLevels {
		parsed := parseLevel(lvl)
		componentLevels[component] = parsed
		if parsed < floor {
			floor = parsed
		}
	}
	componentMu.Unlock()
	zerolog.SetGlobalLevel(floor)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).Hook(metricsHook{}).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Hook(metricsHook{}).With().Timestamp().Logger()
	}
	Logger = Logger.Level(level)
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger with a component field, pinned to
// that component's level override if Config.ComponentLevels named one.
func WithComponent(component string) zerolog.Logger {
	logger := Logger.With().Str("component", component).Logger()

	componentMu.RLock()
	lvl, overridden := componentLevels[component]
	componentMu.RUnlock()
	if overridden {
		logger = logger.Level(lvl)
	}
	return logger
}

// WithPlanID creates a child logger with a shared_plan_id field
func WithPlanID(planID string) zerolog.Logger {
	return Logger.With().Str("shared_plan_id", planID).Logger()
}

// WithRequestID creates a child logger with a request_id field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithQueryID creates a child logger with a query_id field
func WithQueryID(queryID string) zerolog.Logger {
	return Logger.With().Str("query_id", queryID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
