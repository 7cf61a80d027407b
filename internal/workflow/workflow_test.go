package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"invokectl/internal/config"
	"invokectl/internal/invokeai"
	"invokectl/internal/notifications"
	"invokectl/internal/services"
	"invokectl/internal/testsupport"
	"invokectl/internal/workflow"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

type recordingHistory struct {
	mu      sync.Mutex
	entries []workflow.Entry
}

func (h *recordingHistory) Record(_ context.Context, entry workflow.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

func (h *recordingHistory) Entries() []workflow.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]workflow.Entry(nil), h.entries...)
}

func newFixture(t *testing.T) (*testsupport.FakeServer, *config.Config) {
	t.Helper()
	server := testsupport.NewFakeServer(t)
	server.AddModel(map[string]any{"key": "sd15", "name": "Dreamshaper", "base": "sd-1", "type": "main", "format": "checkpoint"})
	server.AddModel(map[string]any{
		"key": "sdxl-base", "name": "SDXL Base", "base": "sdxl", "type": "main", "format": "diffusers",
		"default_settings": map[string]any{"steps": 24},
	})
	server.AddModel(map[string]any{"key": "detail", "name": "Detail Tweaker", "base": "sd-1", "type": "lora"})
	server.AddModel(map[string]any{"key": "xl-vae", "name": "sdxl-vae-fp16-fix", "base": "sdxl", "type": "vae"})
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(server.URL))
	return server, cfg
}

func TestGenerateCompletesAndCleansUp(t *testing.T) {
	server, cfg := newFixture(t)
	server.AddImage("out.png", []byte("png-bytes"))
	server.ScriptStatuses(1, testsupport.StatusPayload(1, "in_progress"), testsupport.CompletedStatus(1, "out.png"))
	notifier := &recordingNotifier{}
	history := &recordingHistory{}
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifier), workflow.WithHistory(history))

	result, err := manager.Generate(context.Background(), workflow.Request{Model: "SDXL Base", Prompt: "a lighthouse", Seed: 7}, nil)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !bytes.Equal(result.Image, []byte("png-bytes")) || result.ArtifactName != "out.png" || result.ItemID != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Drain(ctx); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if !server.Deleted("out.png") {
		t.Fatal("expected artifact deleted after completion")
	}

	entries := history.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.CorrelationID == "" || entry.Outcome != "completed" || entry.ModelKey != "sdxl-base" || entry.ArtifactName != "out.png" {
		t.Fatalf("unexpected history entry: %+v", entry)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0] != notifications.EventGenerationCompleted {
		t.Fatalf("unexpected notifications: %v", events)
	}
}

func TestGenerateKeepsArtifactsWhenConfigured(t *testing.T) {
	server, cfg := newFixture(t)
	cfg.Generation.KeepArtifacts = true
	server.AddImage("keep.png", []byte("x"))
	server.ScriptStatuses(1, testsupport.CompletedStatus(1, "keep.png"))
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))

	if _, err := manager.Generate(context.Background(), workflow.Request{Model: "sd15", Prompt: "a fox"}, nil); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if err := manager.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if server.Deleted("keep.png") || server.Count(http.MethodDelete, "/api/v1/images/i/keep.png") != 0 {
		t.Fatal("expected artifact to be kept")
	}
}

func TestGenerateReportsServerFailure(t *testing.T) {
	server, cfg := newFixture(t)
	server.ScriptStatuses(1, `{"item_id":1,"status":"failed","error_type":"OutOfMemoryError","error_message":"CUDA out of memory"}`)
	notifier := &recordingNotifier{}
	history := &recordingHistory{}
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifier), workflow.WithHistory(history))

	_, err := manager.Generate(context.Background(), workflow.Request{Model: "sd15", Prompt: "a fox"}, nil)
	var failed *invokeai.GenerationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected GenerationFailedError, got %v", err)
	}
	if !strings.Contains(failed.Message, "CUDA out of memory") {
		t.Fatalf("unexpected message: %q", failed.Message)
	}
	events := notifier.Events()
	if len(events) != 1 || events[0] != notifications.EventGenerationFailed {
		t.Fatalf("unexpected notifications: %v", events)
	}
	if entries := history.Entries(); len(entries) != 1 || entries[0].Outcome != "failed" || entries[0].Error == "" {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestGenerateCanceledBeforeSubmitQueuesNothing(t *testing.T) {
	server, cfg := newFixture(t)
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))

	cancel := make(chan struct{})
	close(cancel)
	_, err := manager.Generate(context.Background(), workflow.Request{Model: "sd15", Prompt: "a fox"}, cancel)
	if !errors.Is(err, services.ErrCanceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(server.Submitted()) != 0 {
		t.Fatal("expected nothing submitted")
	}
}

func TestPrepareResolvesModelsAndDefaults(t *testing.T) {
	_, cfg := newFixture(t)
	cfg.Generation.Steps = 40
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))
	ctx := context.Background()

	plan, err := manager.Prepare(ctx, workflow.Request{Model: "sdxl base", Prompt: "a castle"})
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if got, _ := plan.Graph.Nodes["sdxl_denoise_latents"].Field("steps"); got != 24 {
		t.Fatalf("expected model default steps to win over config, got %v", got)
	}
	if _, ok := plan.Graph.Nodes["vae_loader"]; !ok {
		t.Fatal("expected warmed fp16-fix VAE to be wired")
	}
	if plan.Request.NegativePrompt != cfg.Generation.NegativePrompt {
		t.Fatalf("expected config negative prompt, got %q", plan.Request.NegativePrompt)
	}

	plan, err = manager.Prepare(ctx, workflow.Request{Model: "sd15", Prompt: "a fox", Loras: []workflow.LoraSpec{{Ref: "Detail Tweaker", Weight: 0.6}}})
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if got, _ := plan.Graph.Nodes["denoise_latents"].Field("steps"); got != 40 {
		t.Fatalf("expected config steps for model without defaults, got %v", got)
	}
	if _, ok := plan.Graph.Nodes["lora_loader_0"]; !ok {
		t.Fatal("expected lora node")
	}
	if len(plan.Warnings) == 0 {
		t.Fatal("expected missing sd-1 VAE warning")
	}
}

func TestPrepareReloadsVAEsAfterCacheClear(t *testing.T) {
	server, cfg := newFixture(t)
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))
	ctx := context.Background()
	req := workflow.Request{Model: "sdxl-base", Prompt: "a castle"}

	if _, err := manager.Prepare(ctx, req); err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	manager.Catalog().Clear()

	plan, err := manager.Prepare(ctx, req)
	if err != nil {
		t.Fatalf("Prepare after clear returned error: %v", err)
	}
	node, ok := plan.Graph.Nodes["vae_loader"]
	if !ok {
		t.Fatalf("expected vae override after cache clear, warnings: %v", plan.Warnings)
	}
	if vae, _ := node.Field("vae_model"); vae == nil {
		t.Fatal("expected vae_model on loader")
	}
	for _, warning := range plan.Warnings {
		if strings.Contains(warning, "VAE") {
			t.Fatalf("unexpected VAE warning after reload: %q", warning)
		}
	}
	if got := server.Count(http.MethodGet, "/api/v2/models/"); got < 4 {
		t.Fatalf("expected listings to be refetched after clear, got %d requests", got)
	}
}

func TestPrepareCFGRescalePrecedence(t *testing.T) {
	server, cfg := newFixture(t)
	server.AddModel(map[string]any{
		"key": "tuned-xl", "name": "Tuned XL", "base": "sdxl", "type": "main", "format": "diffusers",
		"default_settings": map[string]any{"cfg_rescale_multiplier": 0.1},
	})
	cfg.Generation.CFGRescaleMultiplier = 0.3
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))
	ctx := context.Background()

	cases := []struct {
		req  workflow.Request
		want float64
	}{
		{workflow.Request{Model: "tuned-xl", Prompt: "p"}, 0.1},
		{workflow.Request{Model: "tuned-xl", Prompt: "p", CFGRescaleMultiplier: 0.5}, 0.5},
		{workflow.Request{Model: "sdxl-base", Prompt: "p"}, 0.3},
	}
	for _, tc := range cases {
		plan, err := manager.Prepare(ctx, tc.req)
		if err != nil {
			t.Fatalf("Prepare(%s) returned error: %v", tc.req.Model, err)
		}
		if got, _ := plan.Graph.Nodes["sdxl_denoise_latents"].Field("cfg_rescale_multiplier"); got != tc.want {
			t.Fatalf("%s rescale %v: got %v, want %v", tc.req.Model, tc.req.CFGRescaleMultiplier, got, tc.want)
		}
	}
}

func TestPrepareRejectsBadInput(t *testing.T) {
	_, cfg := newFixture(t)
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))
	ctx := context.Background()

	if _, err := manager.Prepare(ctx, workflow.Request{Model: "sd15"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty prompt, got %v", err)
	}
	if _, err := manager.Prepare(ctx, workflow.Request{Model: "missing", Prompt: "x"}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err := manager.Prepare(ctx, workflow.Request{Model: "sdxl-base", Prompt: "x", Loras: []workflow.LoraSpec{{Ref: "detail", Weight: 1}}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected family mismatch to be rejected, got %v", err)
	}
}

func TestGenerateBatchPreservesInputOrder(t *testing.T) {
	server, cfg := newFixture(t)
	cfg.Generation.KeepArtifacts = true
	for id := int64(1); id <= 3; id++ {
		name := []string{"", "a.png", "b.png", "c.png"}[id]
		server.AddImage(name, []byte(name))
		server.ScriptStatuses(id, testsupport.StatusPayload(id, "in_progress"), testsupport.CompletedStatus(id, name))
	}
	manager := workflow.NewManager(cfg, nil, workflow.WithNotifier(notifications.NewNoop()))

	reqs := workflow.Request{Model: "sd15", Prompt: "a fox", Seed: 100}.Expand(3)
	outcomes := manager.GenerateBatch(context.Background(), reqs, nil)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	var names []string
	for i, outcome := range outcomes {
		if outcome.Err != nil {
			t.Fatalf("outcome %d failed: %v", i, outcome.Err)
		}
		if outcome.Request.Seed != int64(100+i) {
			t.Fatalf("outcome %d out of order: seed %d", i, outcome.Request.Seed)
		}
		names = append(names, outcome.Result.ArtifactName)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "a.png,b.png,c.png" {
		t.Fatalf("unexpected artifacts: %v", names)
	}
	if got := server.Count(http.MethodGet, "/api/v1/app/version"); got != 1 {
		t.Fatalf("expected a single negotiation, got %d", got)
	}
}

func TestParseLoraSpec(t *testing.T) {
	cases := map[string]workflow.LoraSpec{
		"detail":       {Ref: "detail", Weight: 1},
		"detail:0.75":  {Ref: "detail", Weight: 0.75},
		" hi:res:1.2 ": {Ref: "hi:res", Weight: 1.2},
	}
	for raw, want := range cases {
		got, err := workflow.ParseLoraSpec(raw)
		if err != nil {
			t.Fatalf("ParseLoraSpec(%q) returned error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseLoraSpec(%q) = %+v, want %+v", raw, got, want)
		}
	}
	for _, raw := range []string{"", "detail:heavy", ":0.5"} {
		if _, err := workflow.ParseLoraSpec(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
