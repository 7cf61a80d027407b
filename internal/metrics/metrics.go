// Package metrics exposes Prometheus collectors for generation jobs,
// negotiation, and artifact cleanup.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invokectl/internal/logging"
)

const namespace = "invokectl"

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Generation jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal state",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"base"},
	)

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Lifecycle state transitions by target state",
		},
		[]string{"state"},
	)

	Negotiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "negotiations_total",
			Help:      "Server negotiations that performed network I/O",
		},
		[]string{"outcome"},
	)

	CleanupAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "attempts_total",
			Help:      "Artifact deletion attempts by result",
		},
		[]string{"result"},
	)

	ArtifactsLeaked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "leaked_total",
			Help:      "Artifacts whose deletion could not be confirmed",
		},
	)

	GraphWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "warnings_total",
			Help:      "Non-fatal graph builder warnings",
		},
	)
)

// ObserveJob records a finished job.
func ObserveJob(outcome, base string, elapsed time.Duration) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(base).Observe(elapsed.Seconds())
}

// ObserveTransition records a lifecycle state change.
func ObserveTransition(state string) {
	JobTransitions.WithLabelValues(state).Inc()
}

// ObserveNegotiation records one negotiation attempt.
func ObserveNegotiation(outcome string) {
	Negotiations.WithLabelValues(outcome).Inc()
}

// ObserveCleanupAttempt records one delete-and-verify round.
func ObserveCleanupAttempt(result string) {
	CleanupAttempts.WithLabelValues(result).Inc()
}

// ObserveLeak records an artifact left on the server.
func ObserveLeak() {
	ArtifactsLeaked.Inc()
}

// ObserveGraphWarnings adds builder warnings.
func ObserveGraphWarnings(n int) {
	if n > 0 {
		GraphWarnings.Add(float64(n))
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done. An empty addr is a no-op.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	logger = logging.NewComponentLogger(logger, "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", logging.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
