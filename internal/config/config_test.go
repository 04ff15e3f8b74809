package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: ${REEVE_TEST_KEY}\n"), 0600)
	os.Setenv("REEVE_TEST_KEY", "secret123")
	defer os.Unsetenv("REEVE_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
listen:
  port: 9090
models:
  provider: ollama
  default: qwen3:4b
engine:
  max_steps: 12
checkpoints:
  store: sqlite
  path: /tmp/reeve.db
workspace:
  backend: dir
  path: /srv/agent
  routes:
    - prefix: /scratch/
      backend: dir
      path: /tmp/scratch
approval:
  gated_tools: [execute, write_file]
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Models.Provider != "ollama" || cfg.Models.Default != "qwen3:4b" {
		t.Errorf("models = %+v", cfg.Models)
	}
	if cfg.Engine.MaxSteps != 12 {
		t.Errorf("max_steps = %d", cfg.Engine.MaxSteps)
	}
	if cfg.Checkpoints.Store != "sqlite" || cfg.Checkpoints.Path != "/tmp/reeve.db" {
		t.Errorf("checkpoints = %+v", cfg.Checkpoints)
	}
	// Untouched sections keep their defaults.
	if cfg.Checkpoints.Namespace != "reeve" {
		t.Errorf("namespace = %q, want default", cfg.Checkpoints.Namespace)
	}
	if len(cfg.Workspace.Routes) != 1 || cfg.Workspace.Routes[0].Prefix != "/scratch/" {
		t.Errorf("routes = %+v", cfg.Workspace.Routes)
	}
	if len(cfg.Approval.GatedTools) != 2 {
		t.Errorf("gated_tools = %v", cfg.Approval.GatedTools)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level renders as %q, want TRACE", got.Value.String())
	}

	info := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, info); got.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Error("non-trace levels must pass through unchanged")
	}
}
