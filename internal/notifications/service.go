package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"invokectl/internal/config"
)

const userAgent = "invokectl/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventGenerationCompleted Event = "generation_completed"
	EventGenerationFailed    Event = "generation_failed"
	EventArtifactsLeaked     Event = "artifacts_leaked"
	EventTest                Event = "test"
)

// Payload carries event fields. Missing keys render as empty strings.
type Payload map[string]any

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case time.Duration:
		return v.Round(100 * time.Millisecond).String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := config.Seconds(cfg.Notifications.RequestTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventGenerationCompleted: cfg.Notifications.Completed,
			EventGenerationFailed:    cfg.Notifications.Failed,
			EventArtifactsLeaked:     cfg.Notifications.Leaks,
			EventTest:                true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if !n.enabled[event] {
		return nil
	}
	msg, ok := render(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func render(event Event, payload Payload) (message, bool) {
	switch event {
	case EventGenerationCompleted:
		body := fmt.Sprintf("🖼️ Generated %s with %s", orUnknown(payload.text("artifact")), orUnknown(payload.text("model")))
		if elapsed := payload.text("elapsed"); elapsed != "" {
			body += " in " + elapsed
		}
		if output := payload.text("output"); output != "" {
			body += "\nSaved: " + output
		}
		return message{
			title: "invokectl - Generated",
			body:  body,
			tags:  []string{"invokectl", "generate", "completed"},
		}, true
	case EventGenerationFailed:
		body := "❌ Generation failed"
		if model := payload.text("model"); model != "" {
			body += " with " + model
		}
		body += ": " + orUnknown(payload.text("error"))
		return message{
			title:    "invokectl - Generation Failed",
			body:     body,
			tags:     []string{"invokectl", "generate", orDefault(payload.text("outcome"), "failed")},
			priority: "high",
		}, true
	case EventArtifactsLeaked:
		return message{
			title: "invokectl - Artifacts Leaked",
			body: fmt.Sprintf("🧹 Could not delete %s from %s after %s attempts\nRun 'invokectl leaks sweep' to retry",
				orUnknown(payload.text("artifact")), orUnknown(payload.text("server")), orUnknown(payload.text("attempts"))),
			tags:     []string{"invokectl", "cleanup", "leak"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "invokectl - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"invokectl", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func orUnknown(value string) string {
	return orDefault(value, "unknown")
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// NewNoop returns a service that drops every event.
func NewNoop() Service {
	return noopService{}
}
