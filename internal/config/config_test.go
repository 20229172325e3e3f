package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg := Load(ws)

	if cfg.WorkspaceRoot != ws {
		t.Errorf("expected workspace %s, got=%s", ws, cfg.WorkspaceRoot)
	}
	if cfg.ManifestPath != DefaultManifestName {
		t.Errorf("expected default manifest name, got=%s", cfg.ManifestPath)
	}
	if cfg.ResultsDir != DefaultResultsDir {
		t.Errorf("expected default results dir, got=%s", cfg.ResultsDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvManifest, "custom.yaml")
	t.Setenv(EnvResultsDir, "/out")
	t.Setenv(EnvNodeID, "bench-3")

	cfg := Load(t.TempDir())
	if cfg.ManifestPath != "custom.yaml" {
		t.Errorf("expected custom.yaml, got=%s", cfg.ManifestPath)
	}
	if cfg.ResultsDir != "/out" {
		t.Errorf("expected /out, got=%s", cfg.ResultsDir)
	}
	if cfg.NodeID != "bench-3" {
		t.Errorf("expected bench-3, got=%s", cfg.NodeID)
	}
}

func TestLoadDotEnv(t *testing.T) {
	// Ensure the process env does not shadow the .env value.
	os.Unsetenv(EnvNodeID)
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, ".env"), []byte(EnvNodeID+"=bench-7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvNodeID) })

	cfg := Load(ws)
	if cfg.NodeID != "bench-7" {
		t.Errorf("expected node id from .env, got=%s", cfg.NodeID)
	}
}

func TestFinalizeResolvesPaths(t *testing.T) {
	ws := t.TempDir()
	cfg := Config{
		WorkspaceRoot: ws,
		ManifestPath:  "ats-manifest.yaml",
		ResultsDir:    "results",
		NodeID:        "n1",
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if cfg.ManifestPath != filepath.Join(ws, "ats-manifest.yaml") {
		t.Errorf("manifest not resolved: %s", cfg.ManifestPath)
	}
	if cfg.ResultsDir != filepath.Join(ws, "results") {
		t.Errorf("results dir not resolved: %s", cfg.ResultsDir)
	}
}

func TestFinalizeKeepsAbsolutePaths(t *testing.T) {
	cfg := Config{
		WorkspaceRoot: t.TempDir(),
		ManifestPath:  "/etc/ats/manifest.yaml",
		ResultsDir:    "/var/results",
		NodeID:        "n1",
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if cfg.ManifestPath != "/etc/ats/manifest.yaml" {
		t.Errorf("absolute manifest path changed: %s", cfg.ManifestPath)
	}
	if cfg.ResultsDir != "/var/results" {
		t.Errorf("absolute results dir changed: %s", cfg.ResultsDir)
	}
}

func TestFinalizeFillsNodeID(t *testing.T) {
	cfg := Config{WorkspaceRoot: t.TempDir()}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if cfg.NodeID == "" {
		t.Error("expected node id from hostname")
	}
}
