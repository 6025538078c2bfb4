// Package app assembles the runtime components from a resolved config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"mvpforge/internal/artifacts"
	"mvpforge/internal/cache"
	"mvpforge/internal/config"
	"mvpforge/internal/db"
	"mvpforge/internal/engine"
	"mvpforge/internal/generator"
	"mvpforge/internal/migrate"
	"mvpforge/internal/pipeline"
	"mvpforge/internal/planner"
	"mvpforge/internal/publish"
	"mvpforge/internal/repo"
	"mvpforge/internal/wrangler"
)

// App holds the wired components of one process.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Engine      *engine.Engine
	Builder     *pipeline.Builder
	Provisioner *wrangler.Provisioner
	Logger      *zap.Logger

	closers []func() error
}

// Open opens the workspace database, applies migrations and wires the
// pipeline. Missing credentials leave the matching component unset rather
// than failing: a build then stops at the stage that needs it.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	nsCache, err := a.namespaceCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.CanProvision() {
		a.Provisioner = wrangler.NewProvisioner(wrangler.ProvisionerConfig{
			APIURL:    cfg.Cloudflare.APIURL,
			APIToken:  cfg.Cloudflare.APIToken,
			AccountID: cfg.Cloudflare.AccountID,
			Timeout:   cfg.Cloudflare.Timeout,
			Cache:     nsCache,
			Logger:    logger.Named("namespaces"),
		})
	}

	pl, err := newPlanner(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Builder = NewBuilder(cfg, pl, a.Provisioner, logger)

	store, err := newStore(cfg.Artifacts, workspace)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine.New(conn, a.Builder, store, logger.Named("engine"))
	return a, nil
}

// NewBuilder wires a pipeline from config. A nil provisioner omits the
// namespace binding.
func NewBuilder(cfg *config.Config, pl planner.Planner, namespaces *wrangler.Provisioner, logger *zap.Logger) *pipeline.Builder {
	synth := wrangler.SynthesizerConfig{
		CompatibilityDate: cfg.Cloudflare.CompatibilityDate,
		AccountID:         cfg.Cloudflare.AccountID,
		WorkersSubdomain:  cfg.Cloudflare.WorkersSubdomain,
		Logger:            logger.Named("wrangler"),
	}
	if namespaces != nil {
		synth.Namespaces = namespaces
	}
	b := &pipeline.Builder{
		Planner: pl,
		Generator: generator.New(generator.Config{
			BaseURL:             cfg.Generator.BaseURL,
			APIKey:              cfg.Generator.APIKey,
			Timeout:             cfg.Generator.Timeout,
			MaxAttempts:         cfg.Generator.MaxAttempts,
			BackoffBase:         cfg.Generator.BackoffBase,
			BackoffMax:          cfg.Generator.BackoffMax,
			AllowMissingContent: cfg.Generator.AllowMissingContent,
			MaxContextBytes:     cfg.Generator.MaxContextBytes,
			Logger:              logger.Named("generator"),
		}),
		Configurer: wrangler.NewSynthesizer(synth),
		Options: pipeline.Options{
			RepoPrefix:        cfg.GitHub.RepoPrefix,
			CommitMessage:     cfg.GitHub.CommitMessage,
			StrictPaths:       cfg.Build.StrictPaths,
			CompatibilityDate: cfg.Cloudflare.CompatibilityDate,
			AccountID:         cfg.Cloudflare.AccountID,
			BatchSize:         cfg.Generator.BatchSize,
		},
		Logger: logger.Named("pipeline"),
	}
	if cfg.CanPublish() {
		b.Publisher = publish.New(publish.Config{
			APIURL:         cfg.GitHub.APIURL,
			Token:          cfg.GitHub.Token,
			Owner:          cfg.GitHub.Owner,
			OwnerKind:      cfg.GitHub.OwnerKind,
			Private:        cfg.GitHub.Private,
			Branch:         cfg.GitHub.Branch,
			FallbackBranch: cfg.GitHub.FallbackBranch,
			Timeout:        cfg.GitHub.Timeout,
			Logger:         logger.Named("publish"),
		})
	}
	return b
}

func newPlanner(ctx context.Context, cfg *config.Config) (planner.Planner, error) {
	switch cfg.Planner.Kind {
	case "gemini":
		if cfg.Planner.APIKey == "" {
			return nil, nil
		}
		g, err := planner.NewGemini(ctx, cfg.Planner.APIKey, cfg.Planner.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini planner: %w", err)
		}
		return g, nil
	case "http":
		base := cfg.Planner.BaseURL
		if base == "" {
			base = cfg.Generator.BaseURL
		}
		if base == "" {
			return nil, nil
		}
		return planner.HTTPPlanner{BaseURL: base, APIKey: cfg.Planner.APIKey, Timeout: cfg.Planner.Timeout}, nil
	}
	return nil, nil
}

func newStore(cfg config.ArtifactsConfig, workspace string) (artifacts.ObjectStore, error) {
	switch cfg.Kind {
	case "local", "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(db.Path(workspace)), "artifacts")
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, dir)
		}
		return artifacts.NewDirStore(dir), nil
	case "s3":
		client := artifacts.NewS3Client(artifacts.S3Options{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		return artifacts.NewS3Store(client, cfg.Bucket), nil
	case "memory":
		return artifacts.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown artifacts kind %q", cfg.Kind)
}

// namespaceCache prefers redis when configured so several processes share
// provisioned ids, and falls back to the workspace database.
func (a *App) namespaceCache(ctx context.Context) (wrangler.NamespaceCache, error) {
	if a.Config.Cache.RedisAddr == "" {
		return repo.Namespaces{DB: a.DB}, nil
	}
	rc, err := cache.Dial(ctx, a.Config.Cache.RedisAddr, a.Config.Cache.RedisPrefix)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rc.Close)
	return rc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
