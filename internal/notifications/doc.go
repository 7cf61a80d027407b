// Package notifications publishes generation events to ntfy.
//
// NewService returns a no-op implementation when no topic is configured.
// Each event type can be switched off in config.toml, so callers publish
// unconditionally and let the service decide what reaches the phone.
package notifications
