// Package logging assembles structured slog loggers and formatting helpers used
// across invokectl components.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so client code can tag log lines
// with server item IDs, generation phases, and correlation IDs. A no-op logger
// is provided for tests and wiring code that cannot fail.
package logging
