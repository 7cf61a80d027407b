package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"invokectl/internal/config"
	"invokectl/internal/testsupport"
)

type cliTestEnv struct {
	server     *testsupport.FakeServer
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("INVOKEAI_BASE_URL", "")
	t.Setenv("INVOKECTL_NTFY_TOPIC", "")

	server := testsupport.NewFakeServer(t)
	server.AddModel(map[string]any{"key": "sd15", "name": "Dreamshaper", "base": "sd-1", "type": "main", "format": "checkpoint"})
	server.AddModel(map[string]any{"key": "xl", "name": "SDXL Base", "base": "sdxl", "type": "main", "format": "diffusers"})
	server.AddModel(map[string]any{"key": "detail", "name": "Detail Tweaker", "base": "sd-1", "type": "lora"})

	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(server.URL))
	cfg.Logging.Level = "error"
	configPath := filepath.Join(base, "invokectl.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{server: server, cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
