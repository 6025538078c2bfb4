package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Generator.Timeout != 5*time.Minute {
		t.Fatalf("generator timeout = %s", cfg.Generator.Timeout)
	}
	if cfg.Generator.BatchSize != 4 || cfg.Generator.MaxAttempts != 3 {
		t.Fatalf("unexpected batching defaults: %+v", cfg.Generator)
	}
	if cfg.GitHub.Branch != "main" || cfg.GitHub.FallbackBranch != "master" {
		t.Fatalf("unexpected branches: %+v", cfg.GitHub)
	}
	if cfg.CanPublish() || cfg.CanProvision() {
		t.Fatalf("default config must not carry credentials")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
generator:
  base_url: https://gen.example.com
  batch_size: 2
github:
  owner: acme
  owner_kind: org
  token: t0k
webhooks:
  - url: https://hooks.example.com/forge
    events: [build.succeeded]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Generator.BatchSize != 2 {
		t.Fatalf("batch size = %d", cfg.Generator.BatchSize)
	}
	if cfg.Generator.BackoffBase != 2*time.Second {
		t.Fatalf("backoff base lost default: %s", cfg.Generator.BackoffBase)
	}
	if !cfg.CanPublish() {
		t.Fatalf("expected publish credentials")
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "build.succeeded" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"owner kind":  "github:\n  owner_kind: team\n",
		"planner":     "planner:\n  kind: oracle\n",
		"date":        "cloudflare:\n  compatibility_date: yesterday\n",
		"artifacts":   "artifacts:\n  kind: s3\n",
		"webhook url": "webhooks:\n  - url: ftp://x\n",
		"batch size":  "generator:\n  batch_size: -1\n",
		"log format":  "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Planner.Kind != "http" {
		t.Fatalf("planner kind = %q", cfg.Planner.Kind)
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "forge config init") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cloudflare.CompatibilityDate != "2024-09-23" {
		t.Fatalf("compatibility date = %q", cfg.Cloudflare.CompatibilityDate)
	}
}
