package testsupport

import (
	"path/filepath"
	"testing"

	"invokectl/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Polling and cleanup delays are shortened so lifecycle tests run quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Generation.OutputDir = filepath.Join(base, "out")
	cfgVal.InvokeAI.PollIntervalMS = 5
	cfgVal.InvokeAI.GenerationTimeout = 5
	cfgVal.Cleanup.RetryDelayMS = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBaseURL points the config at a fake server.
func WithBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.InvokeAI.BaseURL = url
	}
}

// WithKeepArtifacts toggles server-side artifact retention.
func WithKeepArtifacts(keep bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Generation.KeepArtifacts = keep
	}
}

// BaseDir returns the temp directory backing the config.
func (b *configBuilder) BaseDir() string {
	return b.baseDir
}
