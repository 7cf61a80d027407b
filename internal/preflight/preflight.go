package preflight

import (
	"context"

	"invokectl/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := CheckDirectories(cfg)
	results = append(results, CheckServer(ctx, cfg))
	results = append(results, CheckNotifications(cfg.Notifications.NtfyTopic))
	if cfg.Cleanup.LedgerEnabled {
		results = append(results, CheckLeakLedger(ctx, cfg.LeakLedgerPath()))
	}
	return results
}

// CheckDirectories covers the state, output and (when logging to a file)
// log directories.
func CheckDirectories(cfg *config.Config) []Result {
	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Output directory", cfg.Generation.OutputDir),
	}
	if cfg.Logging.ToFile {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	return results
}

// Failed reports whether any result did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}
