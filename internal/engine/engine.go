// Package engine runs builds against the pipeline and records their progress.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mvpforge/internal/artifacts"
	"mvpforge/internal/domain"
	"mvpforge/internal/events"
	"mvpforge/internal/generator"
	"mvpforge/internal/pipeline"
	"mvpforge/internal/repo"
)

// ErrConflict is returned when a build is not in a state the operation
// accepts.
var ErrConflict = errors.New("build state conflict")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Builder *pipeline.Builder
	Archive artifacts.Archiver
	Logger  *zap.Logger
	// Notify receives every recorded event, after it is stored.
	Notify func(domain.Event)
	Now    func() time.Time
}

func New(db *sql.DB, builder *pipeline.Builder, store artifacts.ObjectStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Builder: builder,
		Logger:  logger,
		Now:     time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	e.Archive = artifacts.Archiver{Store: store, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// Start records a pending build. The payload is validated here so that an
// obviously bad request never gets a build id.
func (e *Engine) Start(ctx context.Context, payload domain.BuildPayload, actorID string) (domain.Build, error) {
	if strings.TrimSpace(payload.IdeaID) == "" {
		return domain.Build{}, domain.Preconditionf("idea id is required")
	}
	if payload.TargetFiles != nil && len(payload.TargetFiles) == 0 && len(payload.Files) == 0 {
		return domain.Build{}, domain.Preconditionf("plan has no target files")
	}
	if actorID == "" {
		actorID = "local"
	}
	now := e.stamp()
	b := domain.Build{
		ID:        uuid.NewString(),
		IdeaID:    payload.IdeaID,
		Status:    domain.BuildPending,
		Plan:      payload.Plan,
		ActorID:   actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBuild(ctx, tx, b, payload); err != nil {
		return domain.Build{}, fmt.Errorf("insert build: %w", err)
	}
	id, err := e.Events.Append(ctx, tx, events.BuildCreated, b.ID, actorID, events.EventPayload{"idea_id": b.IdeaID})
	if err != nil {
		return domain.Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	e.notify(domain.Event{ID: id, TS: now, Type: events.BuildCreated, BuildID: b.ID, ActorID: actorID, Payload: mustJSON(events.EventPayload{"idea_id": b.IdeaID})})
	return b, nil
}

// Build starts and runs a build synchronously.
func (e *Engine) Build(ctx context.Context, payload domain.BuildPayload, actorID string) (domain.Build, domain.BuildResult, error) {
	b, err := e.Start(ctx, payload, actorID)
	if err != nil {
		return domain.Build{}, domain.BuildResult{}, err
	}
	res, err := e.Run(ctx, b.ID)
	final, getErr := e.Repo.GetBuild(context.WithoutCancel(ctx), b.ID)
	if getErr != nil {
		final = b
	}
	return final, res, err
}

// Run executes a pending build through every stage. The outcome is stored on
// the build record whether or not the pipeline succeeds.
func (e *Engine) Run(ctx context.Context, buildID string) (domain.BuildResult, error) {
	b, payload, err := e.claim(ctx, buildID, []string{domain.BuildPending}, events.BuildStarted)
	if err != nil {
		return domain.BuildResult{}, err
	}
	builder := e.observe(ctx, &b)
	res, err := builder.Build(ctx, payload)
	if err == nil && res.Plan == "" {
		res.Plan = payload.Plan
	}
	return res, e.finish(ctx, &b, res, err)
}

// Resume re-runs configure and publish for a failed build from its archived
// project. Planning and generation are not repeated.
func (e *Engine) Resume(ctx context.Context, buildID, actorID string) (domain.BuildResult, error) {
	current, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.BuildResult{}, err
	}
	if current.Status != domain.BuildFailed {
		return domain.BuildResult{}, fmt.Errorf("%w: build %s is %s, only failed builds can be resumed", ErrConflict, buildID, current.Status)
	}
	project, manifest, err := e.Archive.Load(ctx, buildID)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return domain.BuildResult{}, domain.Preconditionf("build %s failed before its files were assembled; start a new build", buildID)
		}
		return domain.BuildResult{}, err
	}

	b, payload, err := e.claim(ctx, buildID, []string{domain.BuildFailed}, events.BuildResumed)
	if err != nil {
		return domain.BuildResult{}, err
	}
	if actorID != "" {
		b.ActorID = actorID
	}
	e.logger(b).Info("resuming build", zap.Int("files", len(manifest.Paths)))
	builder := e.observe(ctx, &b)
	asm := builder.Restore(b.IdeaID, b.Plan, payload.Branding, project.Files())
	res, err := builder.Deliver(ctx, b.IdeaID, asm)
	return res, e.finish(ctx, &b, res, err)
}

// Files returns the archived project of a build.
func (e *Engine) Files(ctx context.Context, buildID string) (*domain.CanonicalProject, artifacts.Manifest, error) {
	if _, err := e.Repo.GetBuild(ctx, buildID); err != nil {
		return nil, artifacts.Manifest{}, err
	}
	return e.Archive.Load(ctx, buildID)
}

func (e *Engine) claim(ctx context.Context, buildID string, from []string, evt string) (domain.Build, domain.BuildPayload, error) {
	ok, err := e.Repo.ClaimBuild(ctx, buildID, from, domain.BuildRunning, e.stamp())
	if err != nil {
		return domain.Build{}, domain.BuildPayload{}, err
	}
	if !ok {
		if _, err := e.Repo.GetBuild(ctx, buildID); err != nil {
			return domain.Build{}, domain.BuildPayload{}, err
		}
		return domain.Build{}, domain.BuildPayload{}, fmt.Errorf("%w: build %s is not %s", ErrConflict, buildID, strings.Join(from, " or "))
	}
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, domain.BuildPayload{}, err
	}
	payload, err := e.Repo.GetBuildPayload(ctx, buildID)
	if err != nil {
		return domain.Build{}, domain.BuildPayload{}, err
	}
	e.record(ctx, b, evt, events.EventPayload{"idea_id": b.IdeaID})
	return b, payload, nil
}

// observe copies the configured builder and attaches hooks that record stage
// events, batch progress and the archive of the assembled project.
func (e *Engine) observe(ctx context.Context, b *domain.Build) *pipeline.Builder {
	builder := *e.Builder
	builder.Logger = e.logger(*b)
	prev := builder.Hooks
	builder.Hooks = pipeline.Hooks{
		StageStarted: func(s pipeline.Stage) {
			b.Stage = string(s)
			e.record(ctx, *b, events.StageStarted, events.EventPayload{"stage": string(s)})
			if prev.StageStarted != nil {
				prev.StageStarted(s)
			}
		},
		StageFinished: func(s pipeline.Stage, err error) {
			if err != nil {
				e.record(ctx, *b, events.StageFailed, events.EventPayload{"stage": string(s), "error": err.Error()})
			} else {
				e.record(ctx, *b, events.StageFinished, events.EventPayload{"stage": string(s)})
			}
			if prev.StageFinished != nil {
				prev.StageFinished(s, err)
			}
		},
		Batch: func(p generator.BatchProgress) {
			e.record(ctx, *b, events.BatchGenerated, events.EventPayload{
				"batch": p.Index + 1, "batches": p.Total, "requested": p.Requested, "received": p.Received,
			})
			if prev.Batch != nil {
				prev.Batch(p)
			}
		},
		Assembled: func(asm pipeline.Assembly) {
			b.Plan = asm.Plan
			b.FileCount = asm.Project.Len()
			e.archive(ctx, *b, asm.Project)
			if prev.Assembled != nil {
				prev.Assembled(asm)
			}
		},
	}
	return &builder
}

func (e *Engine) archive(ctx context.Context, b domain.Build, project *domain.CanonicalProject) {
	if e.Archive.Store == nil {
		return
	}
	m, err := e.Archive.Archive(ctx, b.ID, project)
	if err != nil {
		// Resume is unavailable for this build but the pipeline carries on.
		e.logger(b).Warn("archive failed", zap.Error(err))
		return
	}
	e.record(ctx, b, events.BuildArchived, events.EventPayload{"files": len(m.Paths), "fingerprint": m.Fingerprint})
}

func (e *Engine) finish(ctx context.Context, b *domain.Build, res domain.BuildResult, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	b.UpdatedAt = e.stamp()
	if runErr != nil {
		b.Status = domain.BuildFailed
		b.Error = runErr.Error()
		var stageErr *pipeline.StageError
		if errors.As(runErr, &stageErr) {
			b.Stage = string(stageErr.Stage)
			if stageErr.Partial != nil {
				b.FileCount = stageErr.Partial.Len()
			}
		}
	} else {
		b.Status = domain.BuildSucceeded
		b.Error = ""
		b.RepoURL = res.RepoURL
		b.DeployURL = res.DeployURL
		b.CommitSHA = res.CommitSHA
		b.Plan = res.Plan
		b.FileCount = len(res.Files)
	}
	if err := e.Repo.UpdateBuild(ctx, nil, *b); err != nil {
		return errors.Join(runErr, fmt.Errorf("update build %s: %w", b.ID, err))
	}
	if runErr != nil {
		e.record(ctx, *b, events.BuildFailed, events.EventPayload{"stage": b.Stage, "error": b.Error})
		e.logger(*b).Error("build failed", zap.String("stage", b.Stage), zap.Error(runErr))
		return runErr
	}
	e.record(ctx, *b, events.BuildSucceeded, events.EventPayload{
		"repo_url": res.RepoURL, "deploy_url": res.DeployURL, "commit_sha": res.CommitSHA, "files": len(res.Files),
	})
	e.logger(*b).Info("build succeeded", zap.String("repo_url", res.RepoURL))
	return nil
}

// record stores an event. Failures are logged: losing an event must not fail
// the build it describes.
func (e *Engine) record(ctx context.Context, b domain.Build, typ string, payload events.EventPayload) {
	ctx = context.WithoutCancel(ctx)
	ts := e.stamp()
	id, err := e.Events.Append(ctx, nil, typ, b.ID, b.ActorID, payload)
	if err != nil {
		e.logger(b).Warn("record event", zap.String("type", typ), zap.Error(err))
		return
	}
	e.notify(domain.Event{ID: id, TS: ts, Type: typ, BuildID: b.ID, ActorID: b.ActorID, Payload: mustJSON(payload)})
}

func (e *Engine) notify(evt domain.Event) {
	if e.Notify != nil {
		e.Notify(evt)
	}
}

func (e *Engine) logger(b domain.Build) *zap.Logger {
	l := e.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String("build_id", b.ID), zap.String("idea_id", b.IdeaID))
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
