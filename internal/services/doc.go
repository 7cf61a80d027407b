// Package services defines shared utilities consumed by the generation
// pipeline and its server integrations.
//
// Key responsibilities:
//   - Context helpers that stamp server item IDs, phase names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures
//     into consistent outcomes (rejected, timed out, canceled, ...).
//
// Use these helpers when wiring new client logic so operational behaviour
// (error handling, observability) stays uniform across components.
package services
