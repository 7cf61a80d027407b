package metrics_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"invokectl/internal/metrics"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestCollectorsAreExported(t *testing.T) {
	metrics.ObserveJob("completed", "sdxl", 3*time.Second)
	metrics.ObserveTransition("polling")
	metrics.ObserveNegotiation("ok")
	metrics.ObserveCleanupAttempt("deleted")
	metrics.ObserveLeak()
	metrics.ObserveGraphWarnings(2)
	metrics.ObserveGraphWarnings(0)

	out := scrape(t)
	for _, want := range []string{
		`invokectl_jobs_total{outcome="completed"}`,
		`invokectl_jobs_duration_seconds_bucket{base="sdxl",le="5"}`,
		`invokectl_jobs_transitions_total{state="polling"}`,
		`invokectl_server_negotiations_total{outcome="ok"}`,
		`invokectl_cleanup_attempts_total{result="deleted"}`,
		`invokectl_cleanup_leaked_total`,
		`invokectl_graph_warnings_total`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in scrape output", want)
		}
	}
}

func TestServeWithoutAddressIsNoop(t *testing.T) {
	if err := metrics.Serve(context.Background(), "", nil); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- metrics.Serve(ctx, "127.0.0.1:0", nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
