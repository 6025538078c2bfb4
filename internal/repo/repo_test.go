package repo_test

import (
	"context"
	"errors"
	"testing"

	"mvpforge/internal/db"
	"mvpforge/internal/domain"
	"mvpforge/internal/events"
	"mvpforge/internal/migrate"
	"mvpforge/internal/repo"
	"mvpforge/internal/wrangler"
)

var _ wrangler.NamespaceCache = repo.Namespaces{}

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestBuildLifecycle(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	payload := domain.BuildPayload{IdeaID: "idea-1", Plan: "todo app", TargetFiles: []domain.FileSpec{{Path: "public/index.html"}}}
	b := domain.Build{ID: "b1", IdeaID: "idea-1", Status: domain.BuildPending, ActorID: "alice", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertBuild(ctx, nil, b, payload); err != nil {
		t.Fatalf("insert: %v", err)
	}

	b.Status = domain.BuildFailed
	b.Stage = "publish"
	b.Error = "publish create_tree: status=500"
	b.FileCount = 6
	if err := r.UpdateBuild(ctx, nil, b); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetBuild(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.BuildFailed || got.Stage != "publish" || got.FileCount != 6 || got.RepoURL != "" {
		t.Fatalf("unexpected build: %+v", got)
	}

	gotPayload, err := r.GetBuildPayload(ctx, "b1")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if gotPayload.Plan != "todo app" || len(gotPayload.TargetFiles) != 1 {
		t.Fatalf("payload round trip: %+v", gotPayload)
	}

	if _, err := r.GetBuild(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.UpdateBuild(ctx, nil, domain.Build{ID: "missing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestListBuildsCursor(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		ts := []string{"2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", "2024-01-03T00:00:00Z"}[i]
		status := domain.BuildSucceeded
		if id == "b" {
			status = domain.BuildFailed
		}
		b := domain.Build{ID: id, IdeaID: "idea", Status: status, ActorID: "x", CreatedAt: ts, UpdatedAt: ts}
		if err := r.InsertBuild(ctx, nil, b, domain.BuildPayload{IdeaID: "idea"}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := r.ListBuilds(ctx, repo.BuildFilters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" {
		t.Fatalf("first page: %+v", page)
	}
	next, err := r.ListBuilds(ctx, repo.BuildFilters{Limit: 2, CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].ID != "a" {
		t.Fatalf("second page: %+v", next)
	}
	failed, err := r.ListBuilds(ctx, repo.BuildFilters{Status: domain.BuildFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("status filter: %v %+v", err, failed)
	}
	counts, err := r.CountBuildsByStatus(ctx)
	if err != nil || counts[domain.BuildSucceeded] != 2 || counts[domain.BuildFailed] != 1 {
		t.Fatalf("counts: %v %v", err, counts)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	if err := r.InsertBuild(ctx, nil, domain.Build{ID: "b1", IdeaID: "i", Status: domain.BuildPending, ActorID: "x", CreatedAt: "t", UpdatedAt: "t"}, domain.BuildPayload{}); err != nil {
		t.Fatal(err)
	}
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.BuildStarted, events.StageStarted, events.BuildSucceeded} {
		if _, err := w.Append(ctx, nil, typ, "b1", "x", events.EventPayload{"k": "v"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := r.Events(ctx, repo.EventFilters{BuildID: "b1"})
	if err != nil || len(all) != 3 {
		t.Fatalf("events: %v %d", err, len(all))
	}
	if all[0].Type != events.BuildStarted || all[0].Payload != `{"k":"v"}` {
		t.Fatalf("first event: %+v", all[0])
	}
	after, err := r.Events(ctx, repo.EventFilters{BuildID: "b1", After: all[0].ID})
	if err != nil || len(after) != 2 {
		t.Fatalf("after cursor: %v %d", err, len(after))
	}
	latest, err := r.LatestEventID(ctx, "b1")
	if err != nil || latest != all[2].ID {
		t.Fatalf("latest id: %v %d", err, latest)
	}
}

func TestNamespacesCache(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	ns := repo.Namespaces{DB: r.DB}
	if _, ok, err := ns.GetNamespace(ctx, "acct", "app-ASSETS"); err != nil || ok {
		t.Fatalf("expected miss: %v %v", ok, err)
	}
	if err := ns.PutNamespace(ctx, "acct", "app-ASSETS", "ns1"); err != nil {
		t.Fatal(err)
	}
	if err := ns.PutNamespace(ctx, "acct", "app-ASSETS", "ns2"); err != nil {
		t.Fatal(err)
	}
	id, ok, err := ns.GetNamespace(ctx, "acct", "app-ASSETS")
	if err != nil || !ok || id != "ns2" {
		t.Fatalf("hit: %q %v %v", id, ok, err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "ci", Name: "ci", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "ci" {
		t.Fatalf("lookup: %v %+v", err, got)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
