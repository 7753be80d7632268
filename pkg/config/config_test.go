package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sirpi.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv(masterSecretEnv, "env-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.MasterSecret != "env-secret" {
		t.Errorf("expected env secret, got %q", cfg.MasterSecret)
	}
	if cfg.Database.Path != "sirpi.db" {
		t.Errorf("unexpected default database path %q", cfg.Database.Path)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected default server addr %q", cfg.Server.Addr)
	}
}

func TestLoadMissingSecretFails(t *testing.T) {
	t.Setenv(masterSecretEnv, "")

	if _, err := Load(""); err == nil {
		t.Error("expected missing master secret to fail validation")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv(masterSecretEnv, "")
	path := writeConfig(t, `
database:
  path: /var/lib/sirpi/state.db
engine:
  phase_timeout: 10m
server:
  addr: ":9090"
gcp:
  artifact_repo: europe-west1-docker.pkg.dev/acme/apps
master_secret: file-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Database.Path != "/var/lib/sirpi/state.db" {
		t.Errorf("database path not overridden: %q", cfg.Database.Path)
	}
	if cfg.Engine.PhaseTimeout != 10*time.Minute {
		t.Errorf("phase timeout not overridden: %v", cfg.Engine.PhaseTimeout)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("server addr not overridden: %q", cfg.Server.Addr)
	}
	if cfg.GCP.ArtifactRepo != "europe-west1-docker.pkg.dev/acme/apps" {
		t.Errorf("artifact repo not set: %q", cfg.GCP.ArtifactRepo)
	}
	if cfg.MasterSecret != "file-secret" {
		t.Errorf("master secret not loaded from file: %q", cfg.MasterSecret)
	}

	// Defaults survive where the file is silent.
	if !cfg.Sandbox.PullImages {
		t.Error("expected default pull_images to survive")
	}
}

func TestEnvSecretWinsOverFile(t *testing.T) {
	t.Setenv(masterSecretEnv, "env-secret")
	path := writeConfig(t, "master_secret: file-secret\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.MasterSecret != "env-secret" {
		t.Errorf("expected env secret to win, got %q", cfg.MasterSecret)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "database: [not a map\n")
	if _, err := Load(path); err == nil {
		t.Error("expected malformed yaml to fail")
	}
}
