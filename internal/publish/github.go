// Package publish commits a canonical project to a GitHub repository through
// the Git data API: blobs, one tree, one commit and a ref update.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mvpforge/internal/domain"
)

const apiVersion = "2022-11-28"

// Config for the GitHub publisher.
type Config struct {
	APIURL         string
	Token          string
	Owner          string
	OwnerKind      string
	Private        bool
	Branch         string
	FallbackBranch string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Publisher creates sessions against one owner.
type Publisher struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func New(cfg Config) *Publisher {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	if cfg.OwnerKind == "" {
		cfg.OwnerKind = "user"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.FallbackBranch == "" {
		cfg.FallbackBranch = "master"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, http: httpClient, log: logger}
}

// Publish runs every step of a new session in order.
func (p *Publisher) Publish(ctx context.Context, repoName string, project *domain.CanonicalProject, message string) (domain.PublishResult, error) {
	s := p.NewSession(repoName, project, message)
	steps := []func(context.Context) error{
		s.CreateRepo,
		s.CreateBlobs,
		s.ResolveBaseRef,
		s.CreateTree,
		s.CreateCommit,
		s.UpdateRef,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return domain.PublishResult{}, err
		}
	}
	return s.Result()
}

func (p *Publisher) do(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	url := strings.TrimRight(p.cfg.APIURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func ok(status int) bool { return status >= 200 && status < 300 }

// alreadyExists matches GitHub's answers to creating a duplicate repository.
func alreadyExists(status int, body []byte) bool {
	if status == http.StatusConflict {
		return true
	}
	return status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(string(body)), "already exists")
}

func decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return domain.Malformedf("%v", err)
	}
	return nil
}

// PublishError attributes a failure to one step of the commit protocol.
// Status is 0 for transport failures.
type PublishError struct {
	Step    Step
	Status  int
	Details string
	Err     error
}

func (e *PublishError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("publish %s: %s", e.Step, e.Details)
	}
	return fmt.Sprintf("publish %s: status=%d %s", e.Step, e.Status, e.Details)
}

func (e *PublishError) Unwrap() error { return e.Err }
