package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"mvpforge/internal/domain"
)

const parallelTransfers = 8

// Manifest indexes one archived project.
type Manifest struct {
	BuildID     string   `json:"buildId"`
	Fingerprint string   `json:"fingerprint"`
	Paths       []string `json:"paths"`
	ArchivedAt  string   `json:"archivedAt"`
}

// Archiver writes projects under builds/<id>/.
type Archiver struct {
	Store ObjectStore
	Now   func() time.Time
}

func manifestKey(buildID string) string { return "builds/" + buildID + "/manifest.json" }

func fileKey(buildID, path string) string { return "builds/" + buildID + "/files/" + path }

// Archive stores every file, then the manifest. A build without a manifest
// was not archived completely.
func (a Archiver) Archive(ctx context.Context, buildID string, project *domain.CanonicalProject) (Manifest, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	paths := project.Paths()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelTransfers)
	for _, path := range paths {
		content, _ := project.Get(path)
		g.Go(func() error {
			return a.Store.PutObject(gctx, fileKey(buildID, path), []byte(content))
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, fmt.Errorf("archive build %s: %w", buildID, err)
	}

	m := Manifest{
		BuildID:     buildID,
		Fingerprint: project.Fingerprint(),
		Paths:       paths,
		ArchivedAt:  now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, err
	}
	if err := a.Store.PutObject(ctx, manifestKey(buildID), data); err != nil {
		return Manifest{}, fmt.Errorf("archive manifest %s: %w", buildID, err)
	}
	return m, nil
}

// Load restores an archived project and checks its fingerprint.
func (a Archiver) Load(ctx context.Context, buildID string) (*domain.CanonicalProject, Manifest, error) {
	data, err := a.Store.GetObject(ctx, manifestKey(buildID))
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("load manifest %s: %w", buildID, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Manifest{}, fmt.Errorf("decode manifest %s: %w", buildID, err)
	}

	contents := make([][]byte, len(m.Paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelTransfers)
	for i, path := range m.Paths {
		g.Go(func() error {
			body, err := a.Store.GetObject(gctx, fileKey(buildID, path))
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			contents[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Manifest{}, err
	}

	project := domain.NewCanonicalProject()
	for i, path := range m.Paths {
		project.Set(path, string(contents[i]))
	}
	if got := project.Fingerprint(); got != m.Fingerprint {
		return nil, Manifest{}, fmt.Errorf("archived build %s is corrupt: fingerprint %s, want %s", buildID, got, m.Fingerprint)
	}
	return project, m, nil
}
