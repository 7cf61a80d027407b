// Package config loads, normalizes, and validates invokectl configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// INVOKEAI_BASE_URL. The Config type centralizes every knob the CLI and the
// generation pipeline need, so server timeouts, sampling defaults, and local
// state directories are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized URLs, canonical log formats, and clear validation errors.
package config
