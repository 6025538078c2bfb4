package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forge.yml.
type Config struct {
	Generator  GeneratorConfig  `yaml:"generator"`
	Planner    PlannerConfig    `yaml:"planner"`
	GitHub     GitHubConfig     `yaml:"github"`
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Build      BuildConfig      `yaml:"build"`
	Cache      CacheConfig      `yaml:"cache"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

type GeneratorConfig struct {
	BaseURL             string        `yaml:"base_url"`
	APIKey              string        `yaml:"api_key"`
	Timeout             time.Duration `yaml:"timeout"`
	BatchSize           int           `yaml:"batch_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	AllowMissingContent bool          `yaml:"allow_missing_content"`
	MaxContextBytes     int           `yaml:"max_context_bytes"`
}

type PlannerConfig struct {
	Kind    string        `yaml:"kind"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type GitHubConfig struct {
	APIURL         string        `yaml:"api_url"`
	Token          string        `yaml:"token"`
	Owner          string        `yaml:"owner"`
	OwnerKind      string        `yaml:"owner_kind"`
	Private        bool          `yaml:"private"`
	Branch         string        `yaml:"branch"`
	FallbackBranch string        `yaml:"fallback_branch"`
	RepoPrefix     string        `yaml:"repo_prefix"`
	CommitMessage  string        `yaml:"commit_message"`
	Timeout        time.Duration `yaml:"timeout"`
}

type CloudflareConfig struct {
	APIURL            string        `yaml:"api_url"`
	APIToken          string        `yaml:"api_token"`
	AccountID         string        `yaml:"account_id"`
	CompatibilityDate string        `yaml:"compatibility_date"`
	WorkersSubdomain  string        `yaml:"workers_subdomain"`
	Timeout           time.Duration `yaml:"timeout"`
}

type BuildConfig struct {
	StrictPaths bool `yaml:"strict_paths"`
}

type CacheConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type ArtifactsConfig struct {
	Kind string `yaml:"kind"`
	// Dir is the root of the local store; relative paths resolve against the
	// workspace. Empty means .forge/artifacts.
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

const FileName = "forge.yml"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with forge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys take
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = 5 * time.Minute
	}
	if c.Generator.BatchSize == 0 {
		c.Generator.BatchSize = 4
	}
	if c.Generator.MaxAttempts == 0 {
		c.Generator.MaxAttempts = 3
	}
	if c.Generator.BackoffBase == 0 {
		c.Generator.BackoffBase = 2 * time.Second
	}
	if c.Generator.BackoffMax == 0 {
		c.Generator.BackoffMax = 30 * time.Second
	}
	if c.Planner.Kind == "" {
		c.Planner.Kind = "http"
	}
	if c.Planner.Timeout == 0 {
		c.Planner.Timeout = 2 * time.Minute
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.GitHub.OwnerKind == "" {
		c.GitHub.OwnerKind = "user"
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}
	if c.GitHub.FallbackBranch == "" {
		c.GitHub.FallbackBranch = "master"
	}
	if c.GitHub.CommitMessage == "" {
		c.GitHub.CommitMessage = "Generate MVP"
	}
	if c.GitHub.Timeout == 0 {
		c.GitHub.Timeout = 30 * time.Second
	}
	if c.Cloudflare.APIURL == "" {
		c.Cloudflare.APIURL = "https://api.cloudflare.com/client/v4"
	}
	if c.Cloudflare.CompatibilityDate == "" {
		c.Cloudflare.CompatibilityDate = "2024-09-23"
	}
	if c.Cloudflare.Timeout == 0 {
		c.Cloudflare.Timeout = 30 * time.Second
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "forge"
	}
	if c.Artifacts.Kind == "" {
		c.Artifacts.Kind = "local"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Generator.BatchSize < 1 {
		return fmt.Errorf("config.generator.batch_size must be positive")
	}
	if c.Generator.MaxAttempts < 1 {
		return fmt.Errorf("config.generator.max_attempts must be positive")
	}
	if c.Generator.Timeout < 0 || c.Generator.BackoffBase < 0 || c.Generator.BackoffMax < 0 {
		return fmt.Errorf("config.generator durations must not be negative")
	}
	if c.Generator.BaseURL != "" {
		if err := validURL(c.Generator.BaseURL); err != nil {
			return fmt.Errorf("config.generator.base_url: %w", err)
		}
	}
	switch c.Planner.Kind {
	case "http", "gemini", "none":
	default:
		return fmt.Errorf("config.planner.kind must be one of http, gemini, none")
	}
	switch c.GitHub.OwnerKind {
	case "user", "org":
	default:
		return fmt.Errorf("config.github.owner_kind must be 'user' or 'org'")
	}
	if err := validURL(c.GitHub.APIURL); err != nil {
		return fmt.Errorf("config.github.api_url: %w", err)
	}
	if err := validURL(c.Cloudflare.APIURL); err != nil {
		return fmt.Errorf("config.cloudflare.api_url: %w", err)
	}
	if _, err := time.Parse("2006-01-02", c.Cloudflare.CompatibilityDate); err != nil {
		return fmt.Errorf("config.cloudflare.compatibility_date must be YYYY-MM-DD")
	}
	switch c.Artifacts.Kind {
	case "memory", "local":
	case "s3":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("config.artifacts.bucket is required for kind s3")
		}
	default:
		return fmt.Errorf("config.artifacts.kind must be one of local, memory, s3")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if err := validURL(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url: %w", i, err)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	return nil
}

// CanPublish reports whether GitHub credentials are configured.
func (c *Config) CanPublish() bool {
	return c.GitHub.Token != "" && c.GitHub.Owner != ""
}

// CanProvision reports whether Cloudflare credentials are configured.
func (c *Config) CanProvision() bool {
	return c.Cloudflare.APIToken != "" && c.Cloudflare.AccountID != ""
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

const defaultTemplate = `generator:
  base_url: http://127.0.0.1:8787
  timeout: 5m
  batch_size: 4
  max_attempts: 3
  backoff_base: 2s
  backoff_max: 30s
  allow_missing_content: false

planner:
  kind: http
  base_url: http://127.0.0.1:8787

github:
  api_url: https://api.github.com
  owner_kind: user
  private: true
  branch: main
  fallback_branch: master
  commit_message: Generate MVP
  timeout: 30s

cloudflare:
  api_url: https://api.cloudflare.com/client/v4
  compatibility_date: "2024-09-23"
  timeout: 30s

build:
  strict_paths: false

artifacts:
  kind: local

log:
  level: info
  format: json
`
