package wrangler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mvpforge/internal/domain"
)

// Ensurer provisions a namespace by title.
type Ensurer interface {
	Ensure(ctx context.Context, title string) (domain.KvNamespaceRef, error)
}

type SynthesizerConfig struct {
	CompatibilityDate string
	AccountID         string
	WorkersSubdomain  string
	// Namespaces is nil when no provider credentials are configured.
	Namespaces Ensurer
	Logger     *zap.Logger
}

// Needs describes what the sanitized project requires from the manifest.
type Needs struct {
	HasStaticAssets bool
	UsesKV          bool
	Vars            map[string]string
}

// Synthesis is the outcome of Apply.
type Synthesis struct {
	Manifest  Manifest
	Namespace *domain.KvNamespaceRef
	DeployURL string
	Warnings  []string
}

// Synthesizer renders the final manifest into a project.
type Synthesizer struct {
	cfg SynthesizerConfig
	log *zap.Logger
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.CompatibilityDate == "" {
		cfg.CompatibilityDate = DefaultCompatibilityDate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{cfg: cfg, log: logger}
}

// Apply provisions the asset namespace when the project needs one and writes
// wrangler.toml. The binding is left out, with a warning, when no namespace
// can be provisioned for lack of credentials.
func (s *Synthesizer) Apply(ctx context.Context, projectName string, project *domain.CanonicalProject, needs Needs) (Synthesis, error) {
	name := Slug(projectName)
	m := Manifest{
		Name:              name,
		Main:              EntryHandlerPath,
		CompatibilityDate: s.cfg.CompatibilityDate,
		AccountID:         s.cfg.AccountID,
		Vars:              needs.Vars,
	}
	if needs.HasStaticAssets {
		m.SiteBucket = StaticBucket
	}
	out := Synthesis{DeployURL: s.DeployURL(name)}

	if needs.HasStaticAssets || needs.UsesKV {
		if s.cfg.Namespaces == nil {
			out.Warnings = append(out.Warnings, "kv namespace binding omitted: cloudflare credentials not configured")
			s.log.Warn("skipping namespace provisioning", zap.String("project", name))
		} else {
			ref, err := s.cfg.Namespaces.Ensure(ctx, NamespaceTitle(name))
			if err != nil {
				return Synthesis{}, fmt.Errorf("provision namespace: %w", err)
			}
			m.KVNamespaceID = ref.ID
			out.Namespace = &ref
		}
	}
	project.Set(ManifestPath, Render(m))
	out.Manifest = m
	return out, nil
}

// DeployURL is the workers.dev address of name, or "" when no subdomain is
// configured.
func (s *Synthesizer) DeployURL(name string) string {
	if s.cfg.WorkersSubdomain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.%s.workers.dev", Slug(name), s.cfg.WorkersSubdomain)
}
