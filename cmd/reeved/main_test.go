package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/config"
)

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "Reeve") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"--bogus"}); err == nil {
		t.Error("expected an error for an unknown flag")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"frobnicate"}); err == nil {
		t.Error("expected an error for an unknown command")
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("usage output = %q", out.String())
	}
}

func TestCreateCheckpointStoreVariants(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	store, closer, err := createCheckpointStore(cfg)
	if err != nil || store == nil {
		t.Fatalf("memory store: %v", err)
	}
	if closer != nil {
		t.Error("memory store needs no closer")
	}

	cfg.Checkpoints.Store = "file"
	cfg.Checkpoints.Dir = filepath.Join(dir, "checkpoints")
	if _, _, err := createCheckpointStore(cfg); err != nil {
		t.Fatalf("file store: %v", err)
	}

	cfg.Checkpoints.Store = "sqlite"
	cfg.Checkpoints.Path = filepath.Join(dir, "reeve.db")
	store, closer, err = createCheckpointStore(cfg)
	if err != nil || store == nil {
		t.Fatalf("sqlite store: %v", err)
	}
	if closer == nil {
		t.Fatal("sqlite store must expose a closer")
	}
	closer()

	cfg.Checkpoints.Store = "redis"
	if _, _, err := createCheckpointStore(cfg); err == nil {
		t.Error("expected an error for an unknown store kind")
	}

	cfg.Checkpoints.Store = "file"
	cfg.Checkpoints.Dir = ""
	if _, _, err := createCheckpointStore(cfg); err == nil {
		t.Error("expected an error for a file store without a directory")
	}
}

func TestCreateBackendVariant(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "scratch"), 0755)

	// Default: the zero variant resolves per run.
	v, err := createBackendVariant(config.WorkspaceConfig{})
	if err != nil {
		t.Fatalf("state variant: %v", err)
	}
	if v.Instance != nil || v.Build != nil {
		t.Errorf("state variant should be zero, got %+v", v)
	}

	v, err = createBackendVariant(config.WorkspaceConfig{Backend: "dir", Path: dir})
	if err != nil {
		t.Fatalf("dir variant: %v", err)
	}
	if _, ok := v.Instance.(*backend.DirBackend); !ok {
		t.Errorf("dir variant instance = %T", v.Instance)
	}

	v, err = createBackendVariant(config.WorkspaceConfig{
		Routes: []config.RouteConfig{{Prefix: "/scratch/", Backend: "dir", Path: filepath.Join(dir, "scratch")}},
	})
	if err != nil {
		t.Fatalf("routed state variant: %v", err)
	}
	if v.Build == nil {
		t.Error("routed in-memory workspace must resolve per run")
	}

	if _, err := createBackendVariant(config.WorkspaceConfig{Backend: "dir"}); err == nil {
		t.Error("expected an error for a dir backend without a path")
	}
	if _, err := createBackendVariant(config.WorkspaceConfig{Backend: "s3"}); err == nil {
		t.Error("expected an error for an unknown backend kind")
	}
}
