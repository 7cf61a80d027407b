package preflight

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"invokectl/internal/leaks"
	"invokectl/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckServer_OK(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(server.URL))

	result := CheckServer(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if !strings.Contains(result.Detail, "5.6.0") || !strings.Contains(result.Detail, "/api/v2/models/") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckServer_OldVersion(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	server.SetVersion("2.3.5")
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(server.URL))

	result := CheckServer(context.Background(), cfg)
	if result.Passed {
		t.Fatal("expected failure for old server")
	}
}

func TestCheckServer_Unreachable(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	url := server.URL
	server.Close()
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(url))

	result := CheckServer(context.Background(), cfg)
	if result.Passed {
		t.Fatal("expected failure for closed server")
	}
	if !strings.Contains(result.Detail, "unreachable") {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckNotifications(t *testing.T) {
	if r := CheckNotifications(""); !r.Passed || r.Detail != "Disabled" {
		t.Fatalf("expected disabled pass, got %+v", r)
	}
	if r := CheckNotifications("ntfy.sh/topic"); r.Passed {
		t.Fatal("expected failure for schemeless topic")
	}
	if r := CheckNotifications("https://ntfy.sh/invokectl"); !r.Passed {
		t.Fatalf("expected pass, got %+v", r)
	}
}

func TestCheckLeakLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaks.db")
	if r := CheckLeakLedger(context.Background(), path); !r.Passed {
		t.Fatalf("expected missing ledger to pass, got %+v", r)
	}

	store, err := leaks.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := store.Record(context.Background(), leaks.Record{Name: "a.png", Attempts: 3}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = store.Close()

	r := CheckLeakLedger(context.Background(), path)
	if r.Passed {
		t.Fatal("expected outstanding leak to fail the check")
	}
	if !strings.Contains(r.Detail, "1 leaked") {
		t.Fatalf("unexpected detail: %s", r.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_HealthyConfig(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(server.URL))
	cfg.Cleanup.LedgerEnabled = true
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Generation.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	results := RunAll(context.Background(), cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if Failed(results) {
		t.Fatal("expected no failures")
	}
	if got := server.Count(http.MethodGet, "/api/v1/app/version"); got != 1 {
		t.Fatalf("expected one version probe, got %d", got)
	}
}
