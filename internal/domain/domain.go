package domain

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// FileSpec is one file the plan wants generated.
type FileSpec struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// GeneratedFile is the generator output for one file.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Branding struct {
	Name            string   `json:"name,omitempty"`
	Tagline         string   `json:"tagline,omitempty"`
	Palette         []string `json:"palette,omitempty"`
	LogoDescription string   `json:"logoDescription,omitempty"`
	LogoURL         string   `json:"logoUrl,omitempty"`
}

type Message struct {
	Role    string `json:"role" enum:"user,assistant,system"`
	Content string `json:"content"`
}

// BuildPayload is the immutable input of one build. A nil TargetFiles asks the
// planner for the file list; a non-nil empty list is an empty plan.
type BuildPayload struct {
	IdeaID      string          `json:"ideaId"`
	IdeaSummary string          `json:"ideaSummary,omitempty"`
	Branding    Branding        `json:"branding"`
	Plan        string          `json:"plan,omitempty"`
	Messages    []Message       `json:"messages,omitempty"`
	TargetFiles []FileSpec      `json:"targetFiles,omitempty"`
	Files       []GeneratedFile `json:"files,omitempty"`
}

type KvNamespaceRef struct {
	Title string `json:"title"`
	ID    string `json:"id"`
}

type PublishResult struct {
	RepoURL   string `json:"repoUrl"`
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commitSha"`
}

// BuildResult is what the pipeline hands back to the conversational layer.
type BuildResult struct {
	RepoURL   string   `json:"repoUrl"`
	DeployURL string   `json:"deployUrl,omitempty"`
	Plan      string   `json:"plan"`
	Branch    string   `json:"branch,omitempty"`
	CommitSHA string   `json:"commitSha,omitempty"`
	Files     []string `json:"files,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

const (
	BuildPending   = "pending"
	BuildRunning   = "running"
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
)

type Build struct {
	ID        string `json:"id"`
	IdeaID    string `json:"idea_id"`
	Status    string `json:"status" enum:"pending,running,succeeded,failed"`
	Stage     string `json:"stage,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`
	DeployURL string `json:"deploy_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Error     string `json:"error,omitempty"`
	FileCount int    `json:"file_count"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BuildID string `json:"build_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CanonicalProject is an ordered path -> content map. Paths are unique and
// keep their first insertion position; writes to an existing path replace the
// content in place.
type CanonicalProject struct {
	order []string
	files map[string]string
}

func NewCanonicalProject() *CanonicalProject {
	return &CanonicalProject{files: make(map[string]string)}
}

func (p *CanonicalProject) Set(path, content string) {
	if _, ok := p.files[path]; !ok {
		p.order = append(p.order, path)
	}
	p.files[path] = content
}

func (p *CanonicalProject) Get(path string) (string, bool) {
	c, ok := p.files[path]
	return c, ok
}

func (p *CanonicalProject) Has(path string) bool {
	_, ok := p.files[path]
	return ok
}

func (p *CanonicalProject) Delete(path string) {
	if _, ok := p.files[path]; !ok {
		return
	}
	delete(p.files, path)
	for i, existing := range p.order {
		if existing == path {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *CanonicalProject) Len() int { return len(p.files) }

// Paths returns paths in insertion order.
func (p *CanonicalProject) Paths() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// SortedPaths returns paths in lexical order.
func (p *CanonicalProject) SortedPaths() []string {
	out := p.Paths()
	sort.Strings(out)
	return out
}

// HasPrefix reports whether any path starts with prefix.
func (p *CanonicalProject) HasPrefix(prefix string) bool {
	for _, path := range p.order {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Files returns the project as generated files in insertion order.
func (p *CanonicalProject) Files() []GeneratedFile {
	out := make([]GeneratedFile, 0, len(p.order))
	for _, path := range p.order {
		out = append(out, GeneratedFile{Path: path, Content: p.files[path]})
	}
	return out
}

// Fingerprint is a stable content hash over sorted paths and contents.
func (p *CanonicalProject) Fingerprint() string {
	h := xxh3.New()
	for _, path := range p.SortedPaths() {
		_, _ = h.WriteString(path)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(p.files[path])
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}
