package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"invokectl/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	t.Setenv("INVOKEAI_BASE_URL", "")
	t.Setenv("INVOKECTL_NTFY_TOPIC", "")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "invokectl")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Generation.OutputDir != filepath.Join(tempHome, "Pictures", "invokectl") {
		t.Fatalf("unexpected output dir: %q", cfg.Generation.OutputDir)
	}
	if cfg.InvokeAI.BaseURL != "http://127.0.0.1:9090" {
		t.Fatalf("unexpected base url: %q", cfg.InvokeAI.BaseURL)
	}
	if cfg.InvokeAI.GenerationTimeout != 300 {
		t.Fatalf("unexpected generation timeout: %d", cfg.InvokeAI.GenerationTimeout)
	}
	if cfg.PollInterval() != time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.Cleanup.Attempts != 3 {
		t.Fatalf("unexpected cleanup attempts: %d", cfg.Cleanup.Attempts)
	}
	if got := strings.Join(cfg.Generation.LoraDefaultSubmodels, ","); got != "unet,text_encoder" {
		t.Fatalf("unexpected lora default submodels: %q", got)
	}
	if cfg.LeakLedgerPath() != filepath.Join(wantState, "leaks.db") {
		t.Fatalf("unexpected ledger path: %q", cfg.LeakLedgerPath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	t.Setenv("INVOKEAI_BASE_URL", "")
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "invokectl.toml")

	type payload struct {
		InvokeAI struct {
			BaseURL        string `toml:"base_url"`
			PollIntervalMS int    `toml:"poll_interval_ms"`
		} `toml:"invokeai"`
		Generation struct {
			Scheduler            string   `toml:"scheduler"`
			LoraDefaultSubmodels []string `toml:"lora_default_submodels"`
		} `toml:"generation"`
		Paths struct {
			StateDir string `toml:"state_dir"`
		} `toml:"paths"`
	}
	custom := payload{}
	custom.InvokeAI.BaseURL = "http://gpu-box:9090/"
	custom.InvokeAI.PollIntervalMS = 250
	custom.Generation.Scheduler = " Euler_A "
	custom.Generation.LoraDefaultSubmodels = []string{"UNET", "unet", "text_encoder", "text_encoder_2"}
	custom.Paths.StateDir = filepath.Join(tempDir, "state")

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.InvokeAI.BaseURL != "http://gpu-box:9090" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.InvokeAI.BaseURL)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.Generation.Scheduler != "euler_a" {
		t.Fatalf("unexpected scheduler: %q", cfg.Generation.Scheduler)
	}
	if got := strings.Join(cfg.Generation.LoraDefaultSubmodels, ","); got != "unet,text_encoder,text_encoder_2" {
		t.Fatalf("unexpected submodels: %q", got)
	}
	if cfg.Paths.StateDir != filepath.Join(tempDir, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.Generation.Steps != config.Default().Generation.Steps {
		t.Fatalf("expected default steps to survive partial file, got %d", cfg.Generation.Steps)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invokectl.toml")
	if err := os.WriteFile(configPath, []byte("[invokeai]\nbase_urll = \"http://x\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestEnvVarOverridesBaseURL(t *testing.T) {
	t.Setenv("INVOKEAI_BASE_URL", "https://invoke.example.com/")
	configPath := filepath.Join(t.TempDir(), "invokectl.toml")
	if err := os.WriteFile(configPath, []byte("[invokeai]\nbase_url = \"http://file:9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.InvokeAI.BaseURL != "https://invoke.example.com" {
		t.Fatalf("expected env override, got %q", cfg.InvokeAI.BaseURL)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "INVOKEAI_BASE_URL") {
		t.Fatalf("sample config missing env hint: %s", contents)
	}

	cfg := config.Default()
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if cfg.InvokeAI.BaseURL != "http://127.0.0.1:9090" {
		t.Fatalf("unexpected sample base url: %q", cfg.InvokeAI.BaseURL)
	}
	if cfg.Cleanup.Attempts != 3 {
		t.Fatalf("unexpected sample cleanup attempts: %d", cfg.Cleanup.Attempts)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"base url scheme":  func(c *config.Config) { c.InvokeAI.BaseURL = "ftp://host" },
		"probe timeout":    func(c *config.Config) { c.InvokeAI.ProbeTimeout = 0 },
		"poll interval":    func(c *config.Config) { c.InvokeAI.PollIntervalMS = -1 },
		"steps":            func(c *config.Config) { c.Generation.Steps = 0 },
		"cfg rescale":      func(c *config.Config) { c.Generation.CFGRescaleMultiplier = 1 },
		"width alignment":  func(c *config.Config) { c.Generation.Width = 513 },
		"unknown submodel": func(c *config.Config) { c.Generation.LoraDefaultSubmodels = []string{"vae"} },
		"cleanup attempts": func(c *config.Config) { c.Cleanup.Attempts = 0 },
		"log format":       func(c *config.Config) { c.Logging.Format = "xml" },
		"tracing endpoint": func(c *config.Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}
