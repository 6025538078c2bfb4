package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvpforge/internal/config"
)

func newViper() *viper.Viper {
	v := viper.New()
	configureViper(v)
	return v
}

func TestResolveConfigAppliesEnvironment(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, config.FileName), []byte("github:\n  owner: from-file\n  token: file-token\n"), 0o644))
	t.Setenv("FORGE_GITHUB_TOKEN", "env-token")
	t.Setenv("FORGE_CLOUDFLARE_ACCOUNT_ID", "acct")
	t.Setenv("FORGE_JWT_SECRET", "s3cret")

	cfg, err := resolveConfig(newViper(), ws)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.GitHub.Token)
	assert.Equal(t, "from-file", cfg.GitHub.Owner)
	assert.Equal(t, "acct", cfg.Cloudflare.AccountID)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.True(t, cfg.CanPublish())
}

func TestResolveConfigValidatesOverrides(t *testing.T) {
	t.Setenv("FORGE_ARTIFACTS_KIND", "tape")
	_, err := resolveConfig(newViper(), t.TempDir())
	assert.ErrorContains(t, err, "artifacts.kind")
}

func TestResolveConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("generator:\n  batch_size: 9\n"), 0o644))
	v := newViper()
	v.Set("config", path)
	cfg, err := resolveConfig(v, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Generator.BatchSize)
}

func TestRedactMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.GitHub.Token = "ghp_x"
	cfg.Webhooks = []config.WebhookConfig{{URL: "https://hooks.example", Secret: "shh"}}

	out := redact(cfg)
	assert.Equal(t, redacted, out.GitHub.Token)
	assert.Equal(t, redacted, out.Webhooks[0].Secret)
	assert.Empty(t, out.Cloudflare.APIToken)
	assert.Equal(t, "ghp_x", cfg.GitHub.Token)
	assert.Equal(t, "shh", cfg.Webhooks[0].Secret)
}
