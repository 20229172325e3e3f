package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	DefaultManifestName = "ats-manifest.yaml"
	DefaultResultsDir   = "results"
)

// Environment variable names honored as fallback for the flags.
const (
	EnvManifest   = "ATS_MANIFEST"
	EnvResultsDir = "ATS_RESULTS_DIR"
	EnvWorkspace  = "ATS_WORKSPACE"
	EnvNodeID     = "ATS_NODE_ID"
)

// Config is the process-level configuration, constructed exactly once
// at startup and threaded through every component. No component reads
// environment state on its own.
type Config struct {
	WorkspaceRoot string
	ManifestPath  string
	ResultsDir    string
	NodeID        string
	Verbose       bool
}

// Load builds a Config by merging, in order: defaults, a .env file in
// the workspace root, and the process environment. Command-line flags
// override on top via the caller.
func Load(workspaceRoot string) Config {
	if workspaceRoot == "" {
		workspaceRoot = os.Getenv(EnvWorkspace)
	}
	if workspaceRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			workspaceRoot = cwd
		}
	}

	// Node-local defaults; absence is fine.
	godotenv.Load(filepath.Join(workspaceRoot, ".env"))

	cfg := Config{
		WorkspaceRoot: workspaceRoot,
		ManifestPath:  DefaultManifestName,
		ResultsDir:    DefaultResultsDir,
	}
	if v := os.Getenv(EnvManifest); v != "" {
		cfg.ManifestPath = v
	}
	if v := os.Getenv(EnvResultsDir); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv(EnvNodeID); v != "" {
		cfg.NodeID = v
	}
	return cfg
}

// Finalize resolves relative paths against the workspace root and
// fills the node identity from the hostname when unset. Called after
// flag overrides are applied.
func (c *Config) Finalize() error {
	abs, err := filepath.Abs(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}
	c.WorkspaceRoot = abs

	c.ManifestPath = resolveAgainst(c.ManifestPath, c.WorkspaceRoot)
	c.ResultsDir = resolveAgainst(c.ResultsDir, c.WorkspaceRoot)

	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving node identity: %w", err)
		}
		c.NodeID = host
	}
	return nil
}

func resolveAgainst(p, root string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
