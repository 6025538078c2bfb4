// Package pipeline sequences planning, generation, sanitization, manifest
// synthesis and publication for one build.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mvpforge/internal/domain"
	"mvpforge/internal/generator"
	"mvpforge/internal/planner"
	"mvpforge/internal/sanitize"
	"mvpforge/internal/wrangler"
)

type Stage string

const (
	StagePlan      Stage = "plan"
	StageGenerate  Stage = "generate"
	StageSanitize  Stage = "sanitize"
	StageConfigure Stage = "configure"
	StagePublish   Stage = "publish"
)

// StageError is the single terminal error of a build. Partial holds the
// canonical project when sanitization completed before the failure.
type StageError struct {
	Stage   Stage
	Err     error
	Partial *domain.CanonicalProject
}

func (e *StageError) Error() string {
	if e.Partial != nil {
		return fmt.Sprintf("%s failed after %d files were assembled: %v", e.Stage, e.Partial.Len(), e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Hooks observe a build. Every field is optional.
type Hooks struct {
	StageStarted  func(Stage)
	StageFinished func(Stage, error)
	Batch         func(generator.BatchProgress)
	// Assembled runs once the canonical project exists, before configure.
	Assembled func(Assembly)
}

// Configurer writes the deployment manifest into a project.
type Configurer interface {
	Apply(ctx context.Context, projectName string, project *domain.CanonicalProject, needs wrangler.Needs) (wrangler.Synthesis, error)
}

// Publisher commits a project to a repository.
type Publisher interface {
	Publish(ctx context.Context, repoName string, project *domain.CanonicalProject, message string) (domain.PublishResult, error)
}

type Options struct {
	RepoPrefix        string
	CommitMessage     string
	StrictPaths       bool
	CompatibilityDate string
	AccountID         string
	BatchSize         int
}

// Builder runs builds. Planner is required only for payloads without target
// files; Publisher only for Build and Deliver.
type Builder struct {
	Planner    planner.Planner
	Generator  generator.BatchGenerator
	Configurer Configurer
	Publisher  Publisher
	Options    Options
	Logger     *zap.Logger
	Hooks      Hooks
}

// Assembly is the output of the plan, generate and sanitize stages.
type Assembly struct {
	Plan    string
	Project *domain.CanonicalProject
	Report  sanitize.Report
}

// Build runs every stage and returns the result descriptor.
func (b *Builder) Build(ctx context.Context, payload domain.BuildPayload) (domain.BuildResult, error) {
	asm, err := b.Assemble(ctx, payload)
	if err != nil {
		return domain.BuildResult{}, err
	}
	if b.Hooks.Assembled != nil {
		b.Hooks.Assembled(asm)
	}
	return b.Deliver(ctx, payload.IdeaID, asm)
}

// Assemble produces the canonical project without touching the hosting or
// deployment APIs.
func (b *Builder) Assemble(ctx context.Context, payload domain.BuildPayload) (Assembly, error) {
	if strings.TrimSpace(payload.IdeaID) == "" {
		return Assembly{}, &StageError{Stage: StagePlan, Err: domain.Preconditionf("idea id is required")}
	}
	log := b.logger().With(zap.String("idea_id", payload.IdeaID))

	plan := payload.Plan
	files := payload.Files
	if len(files) == 0 {
		targets := payload.TargetFiles
		if targets == nil {
			var p planner.Plan
			err := b.stage(StagePlan, func() error {
				if b.Planner == nil {
					return domain.Preconditionf("no target files and no planner configured")
				}
				var err error
				p, err = b.Planner.Plan(ctx, payload)
				return err
			})
			if err != nil {
				return Assembly{}, &StageError{Stage: StagePlan, Err: err}
			}
			targets = p.TargetFiles
			if p.Text != "" {
				plan = p.Text
			}
		}
		if len(targets) == 0 {
			return Assembly{}, &StageError{Stage: StagePlan, Err: domain.Preconditionf("plan has no target files")}
		}
		log.Info("plan ready", zap.Int("files", len(targets)))

		err := b.stage(StageGenerate, func() error {
			if b.Generator == nil {
				return domain.Preconditionf("no generator configured")
			}
			batcher := generator.Batcher{
				Generator: b.Generator,
				BatchSize: b.Options.BatchSize,
				Logger:    log,
				Progress:  b.Hooks.Batch,
			}
			var err error
			files, err = batcher.GenerateAll(ctx, generator.GenerateAllRequest{
				Plan:     plan,
				Files:    targets,
				Messages: payload.Messages,
			})
			return err
		})
		if err != nil {
			return Assembly{}, &StageError{Stage: StageGenerate, Err: err}
		}
	} else {
		log.Info("using supplied files", zap.Int("files", len(files)))
	}

	var asm Assembly
	err := b.stage(StageSanitize, func() error {
		project, report := sanitize.Sanitize(files, sanitize.Options{
			ProjectName:       b.RepoName(payload.IdeaID),
			Branding:          payload.Branding,
			CompatibilityDate: b.Options.CompatibilityDate,
			AccountID:         b.Options.AccountID,
		})
		asm = Assembly{Plan: plan, Project: project, Report: report}
		for _, w := range report.Warnings {
			log.Debug("sanitize", zap.String("warning", w))
		}
		if b.Options.StrictPaths && len(report.InvalidPaths) > 0 {
			return domain.Preconditionf("%d files have invalid paths: %s", len(report.InvalidPaths), strings.Join(report.InvalidPaths, ", "))
		}
		return nil
	})
	if err != nil {
		return Assembly{}, &StageError{Stage: StageSanitize, Err: err, Partial: asm.Project}
	}
	return asm, nil
}

// Deliver configures and publishes an assembled project.
func (b *Builder) Deliver(ctx context.Context, ideaID string, asm Assembly) (domain.BuildResult, error) {
	name := b.RepoName(ideaID)
	var synth wrangler.Synthesis
	err := b.stage(StageConfigure, func() error {
		if b.Configurer == nil {
			return nil
		}
		var err error
		synth, err = b.Configurer.Apply(ctx, name, asm.Project, wrangler.Needs{
			HasStaticAssets: asm.Report.HasStaticAssets,
			UsesKV:          asm.Report.UsesKV,
			Vars:            asm.Report.ManifestVars,
		})
		return err
	})
	if err != nil {
		return domain.BuildResult{}, &StageError{Stage: StageConfigure, Err: err, Partial: asm.Project}
	}

	var published domain.PublishResult
	err = b.stage(StagePublish, func() error {
		if b.Publisher == nil {
			return domain.Preconditionf("github credentials not configured")
		}
		msg := b.Options.CommitMessage
		if msg == "" {
			msg = "Generate MVP"
		}
		var err error
		published, err = b.Publisher.Publish(ctx, b.RepoName(ideaID), asm.Project, msg)
		return err
	})
	if err != nil {
		return domain.BuildResult{}, &StageError{Stage: StagePublish, Err: err, Partial: asm.Project}
	}

	warnings := append(append([]string(nil), asm.Report.Warnings...), synth.Warnings...)
	return domain.BuildResult{
		RepoURL:   published.RepoURL,
		DeployURL: synth.DeployURL,
		Plan:      asm.Plan,
		Branch:    published.Branch,
		CommitSHA: published.CommitSHA,
		Files:     asm.Project.SortedPaths(),
		Warnings:  warnings,
	}, nil
}

// RepoName is the repository an idea publishes to.
func (b *Builder) RepoName(ideaID string) string {
	return wrangler.Slug(b.Options.RepoPrefix + ideaID)
}

// Restore rebuilds an Assembly from an archived project. Sanitizing canonical
// output leaves the files unchanged, so this only recomputes the report.
func (b *Builder) Restore(ideaID, plan string, branding domain.Branding, files []domain.GeneratedFile) Assembly {
	project, report := sanitize.Sanitize(files, sanitize.Options{
		ProjectName:       b.RepoName(ideaID),
		Branding:          branding,
		CompatibilityDate: b.Options.CompatibilityDate,
		AccountID:         b.Options.AccountID,
	})
	return Assembly{Plan: plan, Project: project, Report: report}
}

func (b *Builder) stage(s Stage, fn func() error) error {
	if b.Hooks.StageStarted != nil {
		b.Hooks.StageStarted(s)
	}
	err := fn()
	if b.Hooks.StageFinished != nil {
		b.Hooks.StageFinished(s, err)
	}
	if err != nil {
		b.logger().Warn("stage failed", zap.String("stage", string(s)), zap.Error(err))
	}
	return err
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}
