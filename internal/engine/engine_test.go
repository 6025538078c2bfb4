package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mvpforge/internal/artifacts"
	"mvpforge/internal/db"
	"mvpforge/internal/domain"
	"mvpforge/internal/engine"
	"mvpforge/internal/events"
	"mvpforge/internal/generator"
	"mvpforge/internal/migrate"
	"mvpforge/internal/pipeline"
	"mvpforge/internal/publish"
	"mvpforge/internal/repo"
	"mvpforge/internal/wrangler"
)

type stubGenerator struct{}

func (stubGenerator) Generate(_ context.Context, req generator.BatchRequest) ([]domain.GeneratedFile, error) {
	var out []domain.GeneratedFile
	for _, f := range req.TargetFiles {
		out = append(out, domain.GeneratedFile{Path: f.Path, Content: "<!DOCTYPE html>\n<html><body><p>" + f.Path + "</p></body></html>\n"})
	}
	return out, nil
}

type stubPublisher struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (p *stubPublisher) Publish(_ context.Context, repo string, project *domain.CanonicalProject, _ string) (domain.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return domain.PublishResult{}, &publish.PublishError{Step: publish.StepUpdateRef, Status: 502, Details: "bad gateway"}
	}
	return domain.PublishResult{RepoURL: "https://github.com/acme/" + repo, Repo: repo, Branch: "main", CommitSHA: "abc123"}, nil
}

type testEnv struct {
	Engine    *engine.Engine
	Publisher *stubPublisher
	Store     *artifacts.MemoryStore
	Ctx       context.Context
	events    []domain.Event
}

func newTestEnv(t *testing.T, publishFailures int) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pub := &stubPublisher{fails: publishFailures}
	builder := &pipeline.Builder{
		Generator:  stubGenerator{},
		Configurer: wrangler.NewSynthesizer(wrangler.SynthesizerConfig{WorkersSubdomain: "acme"}),
		Publisher:  pub,
		Options:    pipeline.Options{BatchSize: 2},
	}
	store := artifacts.NewMemoryStore()
	env := &testEnv{Publisher: pub, Store: store, Ctx: ctx}
	eng := engine.New(conn, builder, store, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Notify = func(e domain.Event) { env.events = append(env.events, e) }
	env.Engine = eng
	return env
}

var payload = domain.BuildPayload{
	IdeaID: "todo",
	Plan:   "a todo list",
	TargetFiles: []domain.FileSpec{
		{Path: "public/index.html"},
		{Path: "public/about.html"},
		{Path: "public/contact.html"},
	},
}

func eventTypes(t *testing.T, r repo.Repo, buildID string) []string {
	t.Helper()
	evts, err := r.Events(context.Background(), repo.EventFilters{BuildID: buildID, Limit: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func count(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestBuildSucceeds(t *testing.T) {
	env := newTestEnv(t, 0)
	b, res, err := env.Engine.Build(env.Ctx, payload, "alice")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if b.Status != domain.BuildSucceeded || b.RepoURL != "https://github.com/acme/todo" || b.CommitSHA != "abc123" {
		t.Fatalf("unexpected build record: %+v", b)
	}
	if res.DeployURL != "https://todo.acme.workers.dev" || res.Plan != "a todo list" {
		t.Fatalf("unexpected result: %+v", res)
	}
	types := eventTypes(t, env.Engine.Repo, b.ID)
	if types[0] != events.BuildCreated || types[1] != events.BuildStarted || types[len(types)-1] != events.BuildSucceeded {
		t.Fatalf("unexpected event order: %v", types)
	}
	if count(types, events.BatchGenerated) != 2 {
		t.Fatalf("expected 2 batch events: %v", types)
	}
	if count(types, events.StageFinished) != 4 || count(types, events.BuildArchived) != 1 {
		t.Fatalf("expected 4 stages and an archive: %v", types)
	}
	if len(env.events) != len(types) {
		t.Fatalf("notified %d events, stored %d", len(env.events), len(types))
	}

	project, manifest, err := env.Engine.Files(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if !project.Has("public/about.html") || manifest.Fingerprint != project.Fingerprint() {
		t.Fatalf("archive incomplete: %v", project.SortedPaths())
	}
}

func TestFailedPublishIsRecordedAndResumable(t *testing.T) {
	env := newTestEnv(t, 1)
	b, _, err := env.Engine.Build(env.Ctx, payload, "alice")
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StagePublish {
		t.Fatalf("expected publish stage error, got %v", err)
	}
	if b.Status != domain.BuildFailed || b.Stage != "publish" || b.FileCount == 0 {
		t.Fatalf("unexpected failed record: %+v", b)
	}

	res, err := env.Engine.Resume(env.Ctx, b.ID, "bob")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.RepoURL == "" || env.Publisher.calls != 2 {
		t.Fatalf("resume did not publish: %+v calls=%d", res, env.Publisher.calls)
	}
	got, err := env.Engine.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil || got.Status != domain.BuildSucceeded || got.Error != "" {
		t.Fatalf("build after resume: %+v %v", got, err)
	}
	types := eventTypes(t, env.Engine.Repo, b.ID)
	if count(types, events.BuildResumed) != 1 || count(types, events.BatchGenerated) != 2 {
		t.Fatalf("resume must not regenerate: %v", types)
	}

	if _, err := env.Engine.Resume(env.Ctx, b.ID, "bob"); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict resuming a succeeded build, got %v", err)
	}
}

func TestStartRejectsEmptyPlan(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.Engine.Start(env.Ctx, domain.BuildPayload{IdeaID: "x", TargetFiles: []domain.FileSpec{}}, "alice")
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition, got %v", err)
	}
	builds, err := env.Engine.Repo.ListBuilds(env.Ctx, repo.BuildFilters{})
	if err != nil || len(builds) != 0 {
		t.Fatalf("no build should be recorded: %v %d", err, len(builds))
	}
}

func TestRunOnlyOnce(t *testing.T) {
	env := newTestEnv(t, 0)
	b, err := env.Engine.Start(env.Ctx, payload, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Run(env.Ctx, b.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.Engine.Run(env.Ctx, b.ID); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := env.Engine.Run(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResumeWithoutArchive(t *testing.T) {
	env := newTestEnv(t, 0)
	b, _, err := env.Engine.Build(env.Ctx, domain.BuildPayload{IdeaID: "x"}, "alice")
	if err == nil || b.Status != domain.BuildFailed || b.Stage != "plan" {
		t.Fatalf("expected plan failure, got %v %+v", err, b)
	}
	if _, err := env.Engine.Resume(env.Ctx, b.ID, "alice"); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition, got %v", err)
	}
}
