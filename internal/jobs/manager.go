package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"invokectl/internal/invokeai"
	"invokectl/internal/logging"
	"invokectl/internal/services"
	"invokectl/internal/tracing"
)

// State is a client-side lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateTimedOut:
		return true
	}
	return false
}

// Server-side queue statuses.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 300 * time.Second
)

// Cleaner deletes server artifacts without blocking the caller.
type Cleaner interface {
	DeleteArtifacts(itemID int64, names []string)
}

// TransitionFunc observes state changes.
type TransitionFunc func(itemID int64, from, to State)

// Options configures polling.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// AwaitOptions configures one Await call. Closing Cancel requests
// cancellation; a nil channel never fires.
type AwaitOptions struct {
	KeepArtifacts bool
	Cancel        <-chan struct{}
}

// Result is a completed generation.
type Result struct {
	Image         []byte
	ArtifactName  string
	ArtifactNames []string
	Elapsed       time.Duration
	ItemID        int64
}

// Manager drives queue items to a terminal state.
type Manager struct {
	client   *invokeai.Client
	cleaner  Cleaner
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	observe  TransitionFunc
}

// NewManager constructs a manager. cleaner may be nil when artifacts are
// always kept.
func NewManager(client *invokeai.Client, cleaner Cleaner, logger *slog.Logger, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Manager{
		client:   client,
		cleaner:  cleaner,
		logger:   logging.NewComponentLogger(logger, "jobs"),
		interval: opts.PollInterval,
		timeout:  opts.Timeout,
	}
}

// SetObserver registers a transition callback. Call before first use.
func (m *Manager) SetObserver(fn TransitionFunc) {
	m.observe = fn
}

// Await blocks until the item reaches a terminal state. Cancellation (the
// Cancel channel or ctx) is checked first on every tick and wins over any
// status read. Server calls run on a context detached from the caller so an
// in-flight request is never aborted; each is bounded by its own timeout.
func (m *Manager) Await(ctx context.Context, h Handle, opts AwaitOptions) (Result, error) {
	ctx = services.WithItemID(ctx, h.ItemID)
	ctx = services.WithPhase(ctx, "await")
	ctx, span := tracing.Start(ctx, "invokeai.await", attribute.Int64("queue.item_id", h.ItemID))
	result, err := m.await(ctx, h, opts)
	tracing.End(span, err)
	return result, err
}

func (m *Manager) await(ctx context.Context, h Handle, opts AwaitOptions) (Result, error) {
	logger := logging.WithContext(ctx, m.logger)
	calls := context.WithoutCancel(ctx)
	start := time.Now()
	state := StateSubmitted
	move := func(to State) {
		m.transition(logger, h.ItemID, state, to)
		state = to
	}
	move(StatePolling)

	var lastStatus string
	for {
		if cancelRequested(ctx, opts.Cancel) {
			m.abort(calls, logger, h.ItemID, opts)
			move(StateCanceled)
			return Result{}, &invokeai.CanceledError{ItemID: h.ItemID}
		}

		status, payload, raw, err := m.fetchStatus(calls, h.ItemID)
		if err != nil {
			logger.Warn("status poll failed; retrying",
				logging.Error(err),
				logging.String(logging.FieldEventType, "status_poll_failed"),
			)
		} else {
			if status != lastStatus {
				logger.Debug("queue status", logging.String("status", status))
			}
			lastStatus = status
			switch status {
			case statusCompleted:
				result, err := m.complete(calls, logger, h, payload, raw, opts)
				if err != nil {
					move(StateFailed)
					return Result{}, err
				}
				move(StateCompleted)
				return result, nil
			case statusFailed, statusCanceled:
				message := ExtractFailureMessage(payload)
				if !opts.KeepArtifacts {
					names, _ := ExtractImages(payload)
					m.cleanup(logger, h.ItemID, names)
				}
				move(StateFailed)
				return Result{}, &invokeai.GenerationFailedError{ItemID: h.ItemID, Status: status, Message: message, Payload: raw}
			}
		}

		if time.Since(start) > m.timeout {
			m.abort(calls, logger, h.ItemID, opts)
			move(StateTimedOut)
			return Result{}, &invokeai.TimeoutError{ItemID: h.ItemID, Limit: m.timeout, LastStatus: lastStatus}
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-opts.Cancel:
		}
		timer.Stop()
	}
}

func cancelRequested(ctx context.Context, cancel <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func (m *Manager) fetchStatus(ctx context.Context, itemID int64) (string, map[string]any, json.RawMessage, error) {
	path := invokeai.QueueItemPath(itemID)
	resp, err := m.client.Do(ctx, invokeai.Request{Method: http.MethodGet, Path: path, Timeout: m.client.Config().PollTimeout})
	if err != nil {
		return "", nil, nil, err
	}
	if !resp.OK() {
		return "", nil, nil, invokeai.NewStatusError(http.MethodGet, path, resp)
	}
	var payload map[string]any
	if err := invokeai.DecodeJSON(resp.Body, &payload); err != nil {
		return "", nil, nil, &invokeai.ProtocolError{Op: "GET " + path, Detail: err.Error(), Payload: resp.Body}
	}
	status, _ := payload["status"].(string)
	return status, payload, json.RawMessage(resp.Body), nil
}

func (m *Manager) complete(ctx context.Context, logger *slog.Logger, h Handle, payload map[string]any, raw json.RawMessage, opts AwaitOptions) (Result, error) {
	names, primary := ExtractImages(payload)
	if primary == "" {
		parseErr := &invokeai.ResultParseError{ItemID: h.ItemID, Payload: raw}
		logging.ErrorWithContext(logger, "completed job has no image", "result_parse_failed",
			logging.String("payload", parseErr.Diagnostics()),
			logging.String(logging.FieldErrorHint, "the server's result shape may have changed"),
			logging.String(logging.FieldImpact, "image not retrieved"),
		)
		return Result{}, parseErr
	}

	image, err := m.download(ctx, primary)
	if !opts.KeepArtifacts {
		m.cleanup(logger, h.ItemID, names)
	}
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternal, "await", "download image", fmt.Sprintf("job %d image %s", h.ItemID, primary), err)
	}

	started := h.SubmittedAt
	if started.IsZero() {
		started = time.Now()
	}
	logger.Info("generation completed",
		logging.String(logging.FieldArtifact, primary),
		logging.Int("bytes", len(image)),
		logging.Bool("kept", opts.KeepArtifacts),
	)
	return Result{
		Image:         image,
		ArtifactName:  primary,
		ArtifactNames: names,
		Elapsed:       time.Since(started),
		ItemID:        h.ItemID,
	}, nil
}

func (m *Manager) download(ctx context.Context, name string) ([]byte, error) {
	path := invokeai.ImageContentPath(name)
	resp, err := m.client.Do(ctx, invokeai.Request{Method: http.MethodGet, Path: path, Timeout: m.client.Config().DownloadTimeout})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, invokeai.NewStatusError(http.MethodGet, path, resp)
	}
	return resp.Body, nil
}

// abort sends a best-effort cancel and, unless keeping, cleans up whatever
// a final status read reports.
func (m *Manager) abort(ctx context.Context, logger *slog.Logger, itemID int64, opts AwaitOptions) {
	path := invokeai.QueueItemPath(itemID) + "/cancel"
	if resp, err := m.client.Do(ctx, invokeai.Request{Method: http.MethodPut, Path: path, Timeout: m.client.Config().PollTimeout}); err != nil {
		logger.Debug("cancel request failed", logging.Error(err))
	} else if !resp.OK() {
		logger.Debug("cancel request rejected", logging.Int("status", resp.StatusCode))
	}
	if opts.KeepArtifacts {
		return
	}
	_, payload, _, err := m.fetchStatus(ctx, itemID)
	if err != nil {
		logger.Debug("final status read failed", logging.Error(err))
		return
	}
	names, _ := ExtractImages(payload)
	m.cleanup(logger, itemID, names)
}

func (m *Manager) cleanup(logger *slog.Logger, itemID int64, names []string) {
	if len(names) == 0 {
		return
	}
	if m.cleaner == nil {
		logger.Warn("no cleaner configured; artifacts left on server",
			logging.Any("artifacts", names),
			logging.String(logging.FieldEventType, "cleanup_unavailable"),
		)
		return
	}
	m.cleaner.DeleteArtifacts(itemID, names)
}

func (m *Manager) transition(logger *slog.Logger, itemID int64, from, to State) {
	logger.Debug("job state changed", logging.String("from", string(from)), logging.String("to", string(to)))
	if m.observe != nil {
		m.observe(itemID, from, to)
	}
}
