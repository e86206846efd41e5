// Package logging provides the structured component logger shared by
// every das-core binary and pipeline stage.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger wraps zerolog with a fixed component/version context.
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
}

// NewComponentLogger creates a component-scoped logger. Pretty console
// output when stdout is a TTY-friendly environment, JSON otherwise is
// the teacher's own default; das-core always emits structured JSON
// since its consumers (the three cmd/ binaries) run headless.
func NewComponentLogger(component, version string) *ComponentLogger {
	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("component", component).
		Str("version", version).
		Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return &ComponentLogger{logger: logger, component: component}
}

func (cl *ComponentLogger) Info() *zerolog.Event  { return cl.logger.Info() }
func (cl *ComponentLogger) Debug() *zerolog.Event { return cl.logger.Debug() }
func (cl *ComponentLogger) Warn() *zerolog.Event  { return cl.logger.Warn() }
func (cl *ComponentLogger) Error() *zerolog.Event { return cl.logger.Error() }
func (cl *ComponentLogger) Fatal() *zerolog.Event { return cl.logger.Fatal() }

// With creates a child logger context.
func (cl *ComponentLogger) With() zerolog.Context { return cl.logger.With() }

// GetLogger returns the underlying zerolog logger.
func (cl *ComponentLogger) GetLogger() zerolog.Logger { return cl.logger }

// StartupInfo is logged once at process start by each cmd/ binary.
type StartupInfo struct {
	ServiceType     string
	DatabaseURL     string
	GeyserEndpoints int
	HealthPort      int
}

// LogStartup logs the resolved startup configuration.
func (cl *ComponentLogger) LogStartup(info StartupInfo) {
	cl.Info().
		Str("service_type", info.ServiceType).
		Int("geyser_endpoints", info.GeyserEndpoints).
		Int("health_port", info.HealthPort).
		Msg("starting das-core component")
}

// PipelineMetrics is logged periodically by the ingest/consumer stages.
type PipelineMetrics struct {
	Stream           string
	RecordsProcessed int64
	Duration         time.Duration
	ErrorCount       int64
}

// LogPipeline logs a pipeline throughput sample.
func (cl *ComponentLogger) LogPipeline(m PipelineMetrics) {
	rate := float64(m.RecordsProcessed) / m.Duration.Seconds()
	cl.Info().
		Str("stream", m.Stream).
		Int64("records_processed", m.RecordsProcessed).
		Dur("duration", m.Duration).
		Float64("records_per_second", rate).
		Int64("error_count", m.ErrorCount).
		Msg("pipeline throughput")
}

// SetLevel adjusts the process-global log level.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Warn().Str("level", level).Msg("unknown log level, defaulting to info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
