// Package diagnostics provides the production debug-trace endpoint
// every das-core binary exposes alongside its health/metrics server.
package diagnostics

import (
	"fmt"
	"net/http"
	"runtime/trace"
	"time"

	"go.uber.org/zap"
)

// maxTraceDuration bounds /debug/trace so a misfired request can't pin
// a process in tracing mode indefinitely.
const maxTraceDuration = 60 * time.Second

// FlightRecorder serves a debug endpoint that captures a runtime/trace
// execution trace on demand.
type FlightRecorder struct {
	logger *zap.Logger
}

// NewFlightRecorder builds a FlightRecorder with its own zap logger,
// independent of the zerolog-based logging.ComponentLogger every other
// component uses: this endpoint is operator-facing debug tooling, not
// part of the structured pipeline log stream.
func NewFlightRecorder() (*FlightRecorder, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &FlightRecorder{logger: logger}, nil
}

func (f *FlightRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	duration := 5 * time.Second
	if q := r.URL.Query().Get("duration"); q != "" {
		parsed, err := time.ParseDuration(q)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid duration: %v", err), http.StatusBadRequest)
			return
		}
		duration = parsed
	}
	if duration > maxTraceDuration {
		http.Error(w, "duration too long (max 60s)", http.StatusBadRequest)
		return
	}

	f.logger.Info("capturing execution trace", zap.Duration("duration", duration))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=trace-%d.out", time.Now().Unix()))

	if err := trace.Start(w); err != nil {
		f.logger.Error("failed to start trace", zap.Error(err))
		http.Error(w, fmt.Sprintf("failed to start trace: %v", err), http.StatusInternalServerError)
		return
	}
	defer trace.Stop()

	time.Sleep(duration)
	f.logger.Info("trace capture complete", zap.Duration("duration", duration))
}

// Register mounts the flight recorder on mux at /debug/trace.
func (f *FlightRecorder) Register(mux *http.ServeMux) {
	mux.Handle("/debug/trace", f)
	f.logger.Info("flight recorder debug endpoint registered", zap.String("endpoint", "/debug/trace"))
}
