package publish

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"mvpforge/internal/domain"
)

// Step names a state of the publish session.
type Step string

const (
	StatePending       Step = "pending"
	StepCreateRepo     Step = "create_repo"
	StepCreateBlobs    Step = "create_blobs"
	StepResolveBaseRef Step = "resolve_base_ref"
	StepCreateTree     Step = "create_tree"
	StepCreateCommit   Step = "create_commit"
	StepUpdateRef      Step = "update_ref"
	StatePublished     Step = "published"
	StateFailed        Step = "failed"
)

// order maps each step to the state that must precede it.
var order = map[Step]Step{
	StepCreateRepo:     StatePending,
	StepCreateBlobs:    StepCreateRepo,
	StepResolveBaseRef: StepCreateBlobs,
	StepCreateTree:     StepResolveBaseRef,
	StepCreateCommit:   StepCreateTree,
	StepUpdateRef:      StepCreateCommit,
}

// Session is one publish attempt. Each exported step advances the state by
// exactly one transition; a failed step leaves the session in StateFailed.
// Remote objects created before a failure are left in place.
type Session struct {
	p       *Publisher
	log     *zap.Logger
	repo    string
	project *domain.CanonicalProject
	message string

	state      Step
	failedAt   Step
	owner      string
	repoURL    string
	blobs      map[string]string
	branch     string
	baseCommit string
	baseTree   string
	tree       string
	commit     string
}

func (p *Publisher) NewSession(repo string, project *domain.CanonicalProject, message string) *Session {
	if message == "" {
		message = "Generate MVP"
	}
	return &Session{
		p:       p,
		log:     p.log.With(zap.String("repo", repo)),
		repo:    repo,
		project: project,
		message: message,
		state:   StatePending,
		owner:   p.cfg.Owner,
		branch:  p.cfg.Branch,
	}
}

func (s *Session) State() Step { return s.state }

// FailedAt is the step that failed, or "" when none did.
func (s *Session) FailedAt() Step { return s.failedAt }

func (s *Session) CommitSHA() string { return s.commit }

func (s *Session) begin(step Step) error {
	if want := order[step]; s.state != want {
		return &PublishError{Step: step, Details: fmt.Sprintf("out of order: session is %s, want %s", s.state, want)}
	}
	s.log.Debug("publish step", zap.String("step", string(step)))
	return nil
}

func (s *Session) fail(step Step, status int, details string, err error) error {
	s.state = StateFailed
	s.failedAt = step
	s.log.Warn("publish step failed",
		zap.String("step", string(step)),
		zap.Int("status", status),
		zap.String("details", details))
	return &PublishError{Step: step, Status: status, Details: domain.Truncate(details, 300), Err: err}
}

func (s *Session) upstream(step Step, status int, body []byte) error {
	return s.fail(step, status, string(body), domain.NewUpstreamError(status, body))
}

func (s *Session) repoPath(format string, args ...any) string {
	return fmt.Sprintf("repos/%s/%s/", url.PathEscape(s.owner), url.PathEscape(s.repo)) + fmt.Sprintf(format, args...)
}

type repoResponse struct {
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
	Owner   struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// CreateRepo creates the repository with an initial commit. A repository that
// already exists is reused.
func (s *Session) CreateRepo(ctx context.Context) error {
	if err := s.begin(StepCreateRepo); err != nil {
		return err
	}
	endpoint := "user/repos"
	if s.p.cfg.OwnerKind == "org" {
		endpoint = fmt.Sprintf("orgs/%s/repos", url.PathEscape(s.owner))
	}
	// The Git data API rejects blobs on an empty repository, so ask for an
	// initial commit.
	status, body, err := s.p.do(ctx, http.MethodPost, endpoint, map[string]any{
		"name":      s.repo,
		"private":   s.p.cfg.Private,
		"auto_init": true,
	})
	if err != nil {
		return s.fail(StepCreateRepo, 0, err.Error(), err)
	}
	if alreadyExists(status, body) {
		s.log.Info("repository exists, reusing")
		status, body, err = s.p.do(ctx, http.MethodGet, fmt.Sprintf("repos/%s/%s", url.PathEscape(s.owner), url.PathEscape(s.repo)), nil)
		if err != nil {
			return s.fail(StepCreateRepo, 0, err.Error(), err)
		}
	}
	if !ok(status) {
		return s.upstream(StepCreateRepo, status, body)
	}
	var repo repoResponse
	if err := decode(body, &repo); err != nil {
		return s.fail(StepCreateRepo, status, err.Error(), err)
	}
	if repo.Owner.Login != "" {
		s.owner = repo.Owner.Login
	}
	s.repoURL = repo.HTMLURL
	if s.repoURL == "" {
		s.repoURL = fmt.Sprintf("https://github.com/%s/%s", s.owner, s.repo)
	}
	s.state = StepCreateRepo
	return nil
}

// CreateBlobs uploads every file in path order. The first failure aborts.
func (s *Session) CreateBlobs(ctx context.Context) error {
	if err := s.begin(StepCreateBlobs); err != nil {
		return err
	}
	s.blobs = make(map[string]string, s.project.Len())
	for _, path := range s.project.SortedPaths() {
		content, _ := s.project.Get(path)
		status, body, err := s.p.do(ctx, http.MethodPost, s.repoPath("git/blobs"), map[string]string{
			"content":  base64.StdEncoding.EncodeToString([]byte(content)),
			"encoding": "base64",
		})
		if err != nil {
			return s.fail(StepCreateBlobs, 0, fmt.Sprintf("create blob %s: %v", path, err), err)
		}
		if !ok(status) {
			return s.fail(StepCreateBlobs, status, fmt.Sprintf("create blob %s: %s", path, body), domain.NewUpstreamError(status, body))
		}
		var blob struct {
			SHA string `json:"sha"`
		}
		if err := decode(body, &blob); err != nil || blob.SHA == "" {
			return s.fail(StepCreateBlobs, status, "create blob "+path+": missing sha", domain.ErrMalformedResponse)
		}
		s.blobs[path] = blob.SHA
	}
	s.state = StepCreateBlobs
	return nil
}

// ResolveBaseRef finds the head of the target branch, trying the fallback
// branch second. A repository with neither gets a root commit.
func (s *Session) ResolveBaseRef(ctx context.Context) error {
	if err := s.begin(StepResolveBaseRef); err != nil {
		return err
	}
	for _, branch := range []string{s.p.cfg.Branch, s.p.cfg.FallbackBranch} {
		status, body, err := s.p.do(ctx, http.MethodGet, s.repoPath("git/ref/heads/%s", branch), nil)
		if err != nil {
			return s.fail(StepResolveBaseRef, 0, err.Error(), err)
		}
		if status == http.StatusNotFound || status == http.StatusConflict {
			continue
		}
		if !ok(status) {
			return s.upstream(StepResolveBaseRef, status, body)
		}
		var ref struct {
			Object struct {
				SHA string `json:"sha"`
			} `json:"object"`
		}
		if err := decode(body, &ref); err != nil || ref.Object.SHA == "" {
			return s.fail(StepResolveBaseRef, status, "ref has no object sha", domain.ErrMalformedResponse)
		}

		status, body, err = s.p.do(ctx, http.MethodGet, s.repoPath("git/commits/%s", ref.Object.SHA), nil)
		if err != nil {
			return s.fail(StepResolveBaseRef, 0, err.Error(), err)
		}
		if !ok(status) {
			return s.upstream(StepResolveBaseRef, status, body)
		}
		var commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		}
		if err := decode(body, &commit); err != nil {
			return s.fail(StepResolveBaseRef, status, err.Error(), err)
		}
		s.branch = branch
		s.baseCommit = ref.Object.SHA
		s.baseTree = commit.Tree.SHA
		break
	}
	if s.baseCommit == "" {
		s.log.Info("no base branch, creating root commit", zap.String("branch", s.branch))
	}
	s.state = StepResolveBaseRef
	return nil
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// CreateTree builds one tree holding every blob, layered on the base tree.
func (s *Session) CreateTree(ctx context.Context) error {
	if err := s.begin(StepCreateTree); err != nil {
		return err
	}
	entries := make([]treeEntry, 0, len(s.blobs))
	for _, path := range s.project.SortedPaths() {
		entries = append(entries, treeEntry{Path: path, Mode: "100644", Type: "blob", SHA: s.blobs[path]})
	}
	req := map[string]any{"tree": entries}
	if s.baseTree != "" {
		req["base_tree"] = s.baseTree
	}
	sha, err := s.create(ctx, StepCreateTree, s.repoPath("git/trees"), req)
	if err != nil {
		return err
	}
	s.tree = sha
	s.state = StepCreateTree
	return nil
}

func (s *Session) CreateCommit(ctx context.Context) error {
	if err := s.begin(StepCreateCommit); err != nil {
		return err
	}
	parents := []string{}
	if s.baseCommit != "" {
		parents = append(parents, s.baseCommit)
	}
	sha, err := s.create(ctx, StepCreateCommit, s.repoPath("git/commits"), map[string]any{
		"message": s.message,
		"tree":    s.tree,
		"parents": parents,
	})
	if err != nil {
		return err
	}
	s.commit = sha
	s.state = StepCreateCommit
	return nil
}

// UpdateRef points the branch at the new commit, creating the ref when the
// branch does not exist yet.
func (s *Session) UpdateRef(ctx context.Context) error {
	if err := s.begin(StepUpdateRef); err != nil {
		return err
	}
	status, body, err := s.p.do(ctx, http.MethodPatch, s.repoPath("git/refs/heads/%s", s.branch), map[string]any{
		"sha":   s.commit,
		"force": true,
	})
	if err != nil {
		return s.fail(StepUpdateRef, 0, err.Error(), err)
	}
	if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
		s.log.Info("branch missing, creating ref", zap.String("branch", s.branch))
		status, body, err = s.p.do(ctx, http.MethodPost, s.repoPath("git/refs"), map[string]string{
			"ref": "refs/heads/" + s.branch,
			"sha": s.commit,
		})
		if err != nil {
			return s.fail(StepUpdateRef, 0, err.Error(), err)
		}
	}
	if !ok(status) {
		return s.upstream(StepUpdateRef, status, body)
	}
	s.state = StatePublished
	s.log.Info("published", zap.String("branch", s.branch), zap.String("commit", s.commit))
	return nil
}

// Result is available once the ref points at the new commit.
func (s *Session) Result() (domain.PublishResult, error) {
	if s.state != StatePublished {
		return domain.PublishResult{}, fmt.Errorf("session not published: state %s", s.state)
	}
	return domain.PublishResult{
		RepoURL:   s.repoURL,
		Owner:     s.owner,
		Repo:      s.repo,
		Branch:    s.branch,
		CommitSHA: s.commit,
	}, nil
}

func (s *Session) create(ctx context.Context, step Step, endpoint string, req any) (string, error) {
	status, body, err := s.p.do(ctx, http.MethodPost, endpoint, req)
	if err != nil {
		return "", s.fail(step, 0, err.Error(), err)
	}
	if !ok(status) {
		return "", s.upstream(step, status, body)
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := decode(body, &out); err != nil || out.SHA == "" {
		return "", s.fail(step, status, "response has no sha", domain.ErrMalformedResponse)
	}
	return out.SHA, nil
}
