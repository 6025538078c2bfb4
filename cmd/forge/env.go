package main

import (
	"strings"

	"github.com/spf13/viper"

	"mvpforge/internal/config"
)

// overrides lists the settings that may come from FORGE_* variables. Keys
// follow the forge.yml layout, so github.token reads FORGE_GITHUB_TOKEN.
var overrides = []struct {
	key   string
	field func(*config.Config) *string
}{
	{"generator.base_url", func(c *config.Config) *string { return &c.Generator.BaseURL }},
	{"generator.api_key", func(c *config.Config) *string { return &c.Generator.APIKey }},
	{"planner.kind", func(c *config.Config) *string { return &c.Planner.Kind }},
	{"planner.base_url", func(c *config.Config) *string { return &c.Planner.BaseURL }},
	{"planner.api_key", func(c *config.Config) *string { return &c.Planner.APIKey }},
	{"planner.model", func(c *config.Config) *string { return &c.Planner.Model }},
	{"github.token", func(c *config.Config) *string { return &c.GitHub.Token }},
	{"github.owner", func(c *config.Config) *string { return &c.GitHub.Owner }},
	{"github.owner_kind", func(c *config.Config) *string { return &c.GitHub.OwnerKind }},
	{"github.api_url", func(c *config.Config) *string { return &c.GitHub.APIURL }},
	{"cloudflare.api_token", func(c *config.Config) *string { return &c.Cloudflare.APIToken }},
	{"cloudflare.account_id", func(c *config.Config) *string { return &c.Cloudflare.AccountID }},
	{"cloudflare.workers_subdomain", func(c *config.Config) *string { return &c.Cloudflare.WorkersSubdomain }},
	{"cloudflare.api_url", func(c *config.Config) *string { return &c.Cloudflare.APIURL }},
	{"cache.redis_addr", func(c *config.Config) *string { return &c.Cache.RedisAddr }},
	{"artifacts.kind", func(c *config.Config) *string { return &c.Artifacts.Kind }},
	{"artifacts.bucket", func(c *config.Config) *string { return &c.Artifacts.Bucket }},
	{"artifacts.access_key_id", func(c *config.Config) *string { return &c.Artifacts.AccessKeyID }},
	{"artifacts.secret_access_key", func(c *config.Config) *string { return &c.Artifacts.SecretAccessKey }},
	{"log.level", func(c *config.Config) *string { return &c.Log.Level }},
	{"server.jwt_secret", func(c *config.Config) *string { return &c.Server.JWTSecret }},
	{"jwt_secret", func(c *config.Config) *string { return &c.Server.JWTSecret }},
}

// resolveConfig reads the config file, or the defaults when the workspace
// has none, and applies environment overrides on top.
func resolveConfig(v *viper.Viper, workspace string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := v.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if val := strings.TrimSpace(v.GetString(o.key)); val != "" {
			*o.field(cfg) = val
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const redacted = "********"

// redact returns a copy of cfg with credentials masked.
func redact(cfg *config.Config) config.Config {
	out := *cfg
	for _, s := range []*string{
		&out.Generator.APIKey,
		&out.Planner.APIKey,
		&out.GitHub.Token,
		&out.Cloudflare.APIToken,
		&out.Artifacts.SecretAccessKey,
		&out.Server.JWTSecret,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Webhooks = append([]config.WebhookConfig(nil), cfg.Webhooks...)
	for i := range out.Webhooks {
		if out.Webhooks[i].Secret != "" {
			out.Webhooks[i].Secret = redacted
		}
	}
	return out
}
