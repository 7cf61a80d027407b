package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"invokectl/internal/catalog"
	"invokectl/internal/cleanup"
	"invokectl/internal/config"
	"invokectl/internal/graph"
	"invokectl/internal/invokeai"
	"invokectl/internal/jobs"
	"invokectl/internal/logging"
	"invokectl/internal/metrics"
	"invokectl/internal/notifications"
	"invokectl/internal/services"
)

// Manager coordinates generation against one server.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	client     *invokeai.Client
	negotiator *invokeai.Negotiator
	catalog    *catalog.Catalog
	builder    *graph.Builder
	submitter  *jobs.Submitter
	jobs       *jobs.Manager
	cleaner    *cleanup.Worker
	notifier   notifications.Service
	history    HistorySink
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	notifier   notifications.Service
	history    HistorySink
	leakSink   cleanup.LeakSink
	clientOpts []invokeai.Option
}

// WithNotifier overrides the notifier built from config (used in tests).
func WithNotifier(notifier notifications.Service) ManagerOption {
	return func(o *managerOptions) { o.notifier = notifier }
}

// WithHistory attaches a history store.
func WithHistory(sink HistorySink) ManagerOption {
	return func(o *managerOptions) { o.history = sink }
}

// WithLeakSink records artifacts the cleanup worker gives up on.
func WithLeakSink(sink cleanup.LeakSink) ManagerOption {
	return func(o *managerOptions) { o.leakSink = sink }
}

// WithClientOptions customizes the shared HTTP client.
func WithClientOptions(opts ...invokeai.Option) ManagerOption {
	return func(o *managerOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// NewManager wires every component for cfg.
func NewManager(cfg *config.Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	options := &managerOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.notifier == nil {
		options.notifier = notifications.NewService(cfg)
	}
	if options.history == nil {
		options.history = nopHistory{}
	}

	clientOpts := append([]invokeai.Option{invokeai.WithLogger(logger)}, options.clientOpts...)
	client := invokeai.NewFromConfig(cfg, clientOpts...)

	negotiator := invokeai.NewNegotiator(client, logger)
	cat := catalog.New(client, negotiator, logger)
	negotiator.SetWarmup(cat.WarmVAEs)
	negotiator.SetObserver(metrics.ObserveNegotiation)

	workerOpts := []cleanup.Option{cleanup.WithNotifier(options.notifier)}
	if options.leakSink != nil {
		workerOpts = append(workerOpts, cleanup.WithLeakSink(options.leakSink))
	}
	worker := cleanup.NewWorker(client, logger, cleanup.Options{
		Attempts: cfg.Cleanup.Attempts,
		Delay:    cfg.CleanupDelay(),
	}, workerOpts...)

	lifecycle := jobs.NewManager(client, worker, logger, jobs.Options{
		PollInterval: cfg.PollInterval(),
		Timeout:      config.Seconds(cfg.InvokeAI.GenerationTimeout),
	})
	lifecycle.SetObserver(func(_ int64, _, to jobs.State) {
		metrics.ObserveTransition(string(to))
	})

	return &Manager{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "workflow"),
		client:     client,
		negotiator: negotiator,
		catalog:    cat,
		builder:    graph.NewBuilder(cat, cfg.Generation.LoraDefaultSubmodels),
		submitter:  jobs.NewSubmitter(client, logger),
		jobs:       lifecycle,
		cleaner:    worker,
		notifier:   options.notifier,
		history:    options.history,
	}
}

// Negotiate ensures the server profile is known.
func (m *Manager) Negotiate(ctx context.Context) (invokeai.ServerProfile, error) {
	return m.negotiator.Negotiate(ctx)
}

// Catalog exposes the model cache.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.catalog
}

// Cleaner exposes the cleanup worker for ledger sweeps.
func (m *Manager) Cleaner() *cleanup.Worker {
	return m.cleaner
}

// Drain waits for scheduled artifact deletions.
func (m *Manager) Drain(ctx context.Context) error {
	return m.cleaner.Wait(ctx)
}

// Plan is a built graph plus the resolved inputs that produced it.
type Plan struct {
	Request  Request
	Model    catalog.ModelRef
	Graph    *graph.Graph
	Warnings []string
}

// Prepare negotiates, resolves models and builds the graph without submitting.
func (m *Manager) Prepare(ctx context.Context, req Request) (Plan, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Plan{}, services.Wrap(services.ErrValidation, "workflow", "prepare", "prompt is required", nil)
	}
	if _, err := m.negotiator.Negotiate(ctx); err != nil {
		return Plan{}, err
	}
	model, err := m.catalog.FindModel(ctx, req.Model, "main")
	if err != nil {
		return Plan{}, err
	}
	loras := make([]catalog.LoraRef, 0, len(req.Loras))
	for _, spec := range req.Loras {
		lora, err := m.catalog.FindModel(ctx, spec.Ref, "lora")
		if err != nil {
			return Plan{}, err
		}
		if lora.Family() != model.Family() {
			return Plan{}, services.Wrap(services.ErrValidation, "workflow", "prepare",
				fmt.Sprintf("lora %q targets %s but model %q is %s", lora.Name, lora.Base, model.Name, model.Base), nil)
		}
		loras = append(loras, catalog.LoraRef{Lora: lora, Weight: spec.Weight})
	}

	if err := m.catalog.EnsureVAEs(ctx); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "vae listing unavailable", "vae_reload_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "graph uses the model's bundled VAE"),
		)
	}

	req = applyDefaults(req, model, m.cfg.Generation)
	g, warnings, err := m.builder.Build(graph.Params{
		Model:                model,
		Prompt:               req.Prompt,
		NegativePrompt:       req.NegativePrompt,
		Seed:                 req.Seed,
		Steps:                req.Steps,
		CFGScale:             req.CFGScale,
		CFGRescaleMultiplier: req.CFGRescaleMultiplier,
		Scheduler:            req.Scheduler,
		Width:                req.Width,
		Height:               req.Height,
		Loras:                loras,
	})
	if err != nil {
		return Plan{}, err
	}
	metrics.ObserveGraphWarnings(len(warnings))
	logger := logging.WithContext(ctx, m.logger)
	for _, warning := range warnings {
		logging.WarnWithContext(logger, "graph built with warning", "graph_warning",
			logging.String("warning", warning),
			logging.String(logging.FieldImpact, "image is generated without the affected component"),
		)
	}
	return Plan{Request: req, Model: model, Graph: g, Warnings: warnings}, nil
}

// Generate runs one request to a terminal state. Closing cancel, or
// cancelling ctx, stops polling and cancels the server job.
func (m *Manager) Generate(ctx context.Context, req Request, cancel <-chan struct{}) (jobs.Result, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	start := time.Now()

	plan, err := m.Prepare(ctx, req)
	if err != nil {
		m.finish(ctx, req, catalog.ModelRef{}, jobs.Result{}, err, time.Since(start))
		return jobs.Result{}, err
	}
	if canceled(ctx, cancel) {
		err := &invokeai.CanceledError{}
		m.finish(ctx, plan.Request, plan.Model, jobs.Result{}, err, time.Since(start))
		return jobs.Result{}, err
	}
	ctx = services.WithPhase(ctx, "submit")
	handle, err := m.submitter.Submit(ctx, plan.Graph)
	if err != nil {
		m.finish(ctx, plan.Request, plan.Model, jobs.Result{}, err, time.Since(start))
		return jobs.Result{}, err
	}
	ctx = services.WithItemID(ctx, handle.ItemID)
	result, err := m.jobs.Await(ctx, handle, jobs.AwaitOptions{
		KeepArtifacts: plan.Request.KeepArtifacts,
		Cancel:        cancel,
	})
	if result.ItemID == 0 {
		result.ItemID = handle.ItemID
	}
	m.finish(ctx, plan.Request, plan.Model, result, err, time.Since(start))
	return result, err
}

func (m *Manager) finish(ctx context.Context, req Request, model catalog.ModelRef, result jobs.Result, err error, elapsed time.Duration) {
	outcome := services.Outcome(err)
	metrics.ObserveJob(outcome, orUnknown(model.Family()), elapsed)
	logger := logging.WithContext(ctx, m.logger)

	// Detached so a cancelled caller still gets its failure reported.
	reportCtx := context.WithoutCancel(ctx)
	if err == nil {
		logger.Info("generation completed",
			logging.String(logging.FieldArtifact, result.ArtifactName),
			logging.Duration("elapsed", elapsed),
		)
		m.publish(reportCtx, logger, notifications.EventGenerationCompleted, notifications.Payload{
			"artifact": result.ArtifactName,
			"model":    model.Name,
			"elapsed":  elapsed,
		})
	} else {
		logger.Error("generation failed",
			logging.String("outcome", outcome),
			logging.Error(err),
		)
		m.publish(reportCtx, logger, notifications.EventGenerationFailed, notifications.Payload{
			"model":   model.Name,
			"error":   err,
			"outcome": outcome,
		})
	}

	entry := Entry{
		Request:      req,
		ModelKey:     model.Key,
		ItemID:       result.ItemID,
		ArtifactName: result.ArtifactName,
		Outcome:      outcome,
		Elapsed:      elapsed,
		FinishedAt:   time.Now().UTC(),
	}
	if id, ok := services.RequestIDFromContext(ctx); ok {
		entry.CorrelationID = id
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if herr := m.history.Record(reportCtx, entry); herr != nil {
		logger.Warn("history record failed", logging.Error(herr))
	}
}

func (m *Manager) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

// canceled reports a cancellation that arrived before anything was queued.
func canceled(ctx context.Context, cancel <-chan struct{}) bool {
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

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
