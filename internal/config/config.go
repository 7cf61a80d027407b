package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// InvokeAI contains connection settings for the generation server.
type InvokeAI struct {
	BaseURL           string `toml:"base_url"`
	ProbeTimeout      int    `toml:"probe_timeout"`
	RequestTimeout    int    `toml:"request_timeout"`
	SubmitTimeout     int    `toml:"submit_timeout"`
	PollTimeout       int    `toml:"poll_timeout"`
	DownloadTimeout   int    `toml:"download_timeout"`
	PollIntervalMS    int    `toml:"poll_interval_ms"`
	GenerationTimeout int    `toml:"generation_timeout"`
}

// Generation contains default parameters applied to every generation request.
type Generation struct {
	Steps                int      `toml:"steps"`
	CFGScale             float64  `toml:"cfg_scale"`
	CFGRescaleMultiplier float64  `toml:"cfg_rescale_multiplier"`
	Scheduler            string   `toml:"scheduler"`
	NegativePrompt       string   `toml:"negative_prompt"`
	Width                int      `toml:"width"`
	Height               int      `toml:"height"`
	KeepArtifacts        bool     `toml:"keep_artifacts"`
	OutputDir            string   `toml:"output_dir"`
	LoraDefaultSubmodels []string `toml:"lora_default_submodels"`
	Concurrency          int      `toml:"concurrency"`
}

// Cleanup contains configuration for server-side artifact deletion.
type Cleanup struct {
	Attempts      int  `toml:"attempts"`
	RetryDelayMS  int  `toml:"retry_delay_ms"`
	LedgerEnabled bool `toml:"ledger_enabled"`
}

// Paths contains local directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	Leaks          bool   `toml:"leaks"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	ToFile bool   `toml:"to_file"`
}

// Metrics contains configuration for the Prometheus endpoint.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Tracing contains configuration for OpenTelemetry export.
type Tracing struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	SampleRate  float64 `toml:"sample_rate"`
	ServiceName string  `toml:"service_name"`
}

// Config encapsulates all configuration values for invokectl.
//
// Configuration sections by subsystem:
//   - InvokeAI: server URL and per-call timeout classes
//   - Generation: default sampling parameters and artifact retention
//   - Cleanup: deletion retry policy and leak ledger
//   - Paths: state and log directories
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
//   - Metrics: Prometheus listen address
//   - Tracing: OTLP trace export
type Config struct {
	InvokeAI      InvokeAI      `toml:"invokeai"`
	Generation    Generation    `toml:"generation"`
	Cleanup       Cleanup       `toml:"cleanup"`
	Paths         Paths         `toml:"paths"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
	Tracing       Tracing       `toml:"tracing"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("invokectl.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the local state and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LeakLedgerPath returns the SQLite ledger location inside the state directory.
func (c *Config) LeakLedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "leaks.db")
}

// LockPath returns the sweep lock file location inside the state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "invokectl.lock")
}

// PollInterval returns the lifecycle polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.InvokeAI.PollIntervalMS) * time.Millisecond
}

// CleanupDelay returns the fixed delay between deletion attempts.
func (c *Config) CleanupDelay() time.Duration {
	return time.Duration(c.Cleanup.RetryDelayMS) * time.Millisecond
}

// Seconds converts a seconds-valued setting into a duration.
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
