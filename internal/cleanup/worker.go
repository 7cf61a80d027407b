package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"invokectl/internal/invokeai"
	"invokectl/internal/logging"
	"invokectl/internal/metrics"
	"invokectl/internal/notifications"
)

const (
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
)

// Leak describes an artifact whose deletion was never confirmed.
type Leak struct {
	Name      string
	ItemID    int64
	Server    string
	Attempts  int
	LastError string
}

// LeakSink persists leaks for a later sweep.
type LeakSink interface {
	RecordLeak(ctx context.Context, leak Leak) error
}

// Outcome is the result of one synchronous delete.
type Outcome struct {
	Name      string
	Attempts  int
	Deleted   bool
	LastError string
}

// Options tune retry behaviour.
type Options struct {
	Attempts int
	Delay    time.Duration
}

// Option customizes the worker.
type Option func(*Worker)

// WithLeakSink records exhausted artifacts.
func WithLeakSink(sink LeakSink) Option {
	return func(w *Worker) { w.sink = sink }
}

// WithNotifier publishes leak events.
func WithNotifier(notifier notifications.Service) Option {
	return func(w *Worker) {
		if notifier != nil {
			w.notifier = notifier
		}
	}
}

// Worker runs detached deletions and tracks them for an optional drain.
type Worker struct {
	client   *invokeai.Client
	logger   *slog.Logger
	attempts int
	delay    time.Duration
	sink     LeakSink
	notifier notifications.Service
	wg       sync.WaitGroup
}

// NewWorker builds a worker. Zero options fall back to 3 attempts with a
// 500ms delay.
func NewWorker(client *invokeai.Client, logger *slog.Logger, opts Options, extra ...Option) *Worker {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	w := &Worker{
		client:   client,
		logger:   logging.NewComponentLogger(logger, "cleanup"),
		attempts: opts.Attempts,
		delay:    opts.Delay,
		notifier: notifications.NewNoop(),
	}
	for _, opt := range extra {
		opt(w)
	}
	return w
}

// DeleteArtifacts schedules deletion of names and returns immediately.
func (w *Worker) DeleteArtifacts(itemID int64, names []string) {
	if len(names) == 0 {
		return
	}
	targets := append([]string(nil), names...)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx := context.Background()
		for _, name := range targets {
			outcome := w.DeleteNow(ctx, name)
			if !outcome.Deleted {
				w.reportLeak(ctx, itemID, outcome)
			}
		}
	}()
}

// Wait blocks until scheduled deletions finish or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteNow runs delete-and-verify rounds for one artifact until the
// deletion is confirmed or attempts run out.
func (w *Worker) DeleteNow(ctx context.Context, name string) Outcome {
	outcome := Outcome{Name: name}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.delay), uint64(w.attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		outcome.Attempts++
		err := w.attempt(ctx, name)
		if err != nil {
			metrics.ObserveCleanupAttempt("retry")
			w.logger.Debug("artifact deletion attempt failed",
				logging.String(logging.FieldArtifact, name),
				logging.Int("attempt", outcome.Attempts),
				logging.Error(err),
			)
			return err
		}
		metrics.ObserveCleanupAttempt("deleted")
		return nil
	}, policy)
	if err != nil {
		outcome.LastError = err.Error()
		return outcome
	}
	outcome.Deleted = true
	return outcome
}

func (w *Worker) attempt(ctx context.Context, name string) error {
	path := invokeai.ImagePath(name)
	resp, err := w.client.Do(ctx, invokeai.Request{Method: http.MethodDelete, Path: path})
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
	default:
		return fmt.Errorf("delete %s: http %d", name, resp.StatusCode)
	}

	verify, err := w.client.Do(ctx, invokeai.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		var connErr *invokeai.ConnectionError
		if errors.As(err, &connErr) {
			// Unreachable after an accepted delete counts as gone.
			return nil
		}
		return err
	}
	if verify.StatusCode != http.StatusNotFound {
		return fmt.Errorf("verify %s: still present (http %d)", name, verify.StatusCode)
	}
	return nil
}

func (w *Worker) reportLeak(ctx context.Context, itemID int64, outcome Outcome) {
	metrics.ObserveLeak()
	logging.ErrorWithContext(w.logger, "artifact left on server", "artifact_leaked",
		logging.Int64(logging.FieldItemID, itemID),
		logging.String(logging.FieldArtifact, outcome.Name),
		logging.Int("attempts", outcome.Attempts),
		logging.String("last_error", outcome.LastError),
		logging.String(logging.FieldErrorHint, "run invokectl leaks sweep once the server is healthy"),
		logging.String(logging.FieldImpact, "image remains in the server gallery"),
	)

	leak := Leak{
		Name:      outcome.Name,
		ItemID:    itemID,
		Server:    w.client.BaseURL(),
		Attempts:  outcome.Attempts,
		LastError: outcome.LastError,
	}
	if w.sink != nil {
		if err := w.sink.RecordLeak(ctx, leak); err != nil {
			w.logger.Warn("failed to record leaked artifact",
				logging.String(logging.FieldArtifact, outcome.Name),
				logging.Error(err),
			)
		}
	}
	if err := w.notifier.Publish(ctx, notifications.EventArtifactsLeaked, notifications.Payload{
		"artifact": outcome.Name,
		"server":   leak.Server,
		"item_id":  itemID,
		"attempts": outcome.Attempts,
		"error":    outcome.LastError,
	}); err != nil {
		w.logger.Warn("leak notification failed", logging.Error(err))
	}
}
