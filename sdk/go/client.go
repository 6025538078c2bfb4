// Package forgesdk is a small client for the MVP Forge build API.
package forgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal MVP Forge HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval is used by WaitForBuild. Defaults to one second.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type FileSpec struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

type File struct {
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
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequest starts a build. Leave TargetFiles nil to let the server plan.
type BuildRequest struct {
	IdeaID      string      `json:"idea_id"`
	IdeaSummary string      `json:"idea_summary,omitempty"`
	Branding    *Branding   `json:"branding,omitempty"`
	Plan        string      `json:"plan,omitempty"`
	Messages    []Message   `json:"messages,omitempty"`
	TargetFiles *[]FileSpec `json:"target_files,omitempty"`
	Files       []File      `json:"files,omitempty"`
}

// Build is the server's build record.
type Build struct {
	ID        string `json:"id"`
	IdeaID    string `json:"idea_id"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	RepoURL   string `json:"repo_url"`
	DeployURL string `json:"deploy_url"`
	CommitSHA string `json:"commit_sha"`
	Plan      string `json:"plan"`
	Error     string `json:"error"`
	FileCount int    `json:"file_count"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Terminal reports whether the build will not change status on its own.
func (b Build) Terminal() bool {
	return b.Status == "succeeded" || b.Status == "failed"
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BuildID string         `json:"build_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type PaginatedBuilds struct {
	Items      []Build `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type BuildFiles struct {
	BuildID     string `json:"build_id"`
	Fingerprint string `json:"fingerprint"`
	ArchivedAt  string `json:"archived_at"`
	Files       []File `json:"files"`
}

type SanitizeReport struct {
	Warnings        []string `json:"warnings"`
	Dropped         []string `json:"dropped"`
	InvalidPaths    []string `json:"invalidPaths"`
	Synthesized     []string `json:"synthesized"`
	HasStaticAssets bool     `json:"hasStaticAssets"`
	UsesKV          bool     `json:"usesKv"`
}

type SanitizeResult struct {
	Fingerprint string         `json:"fingerprint"`
	Files       []File         `json:"files"`
	Report      SanitizeReport `json:"report"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// CreateBuild starts a build; it runs on the server after this returns.
func (c *Client) CreateBuild(ctx context.Context, req BuildRequest) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, "v0/builds", req, &resp)
	return resp, err
}

func (c *Client) GetBuild(ctx context.Context, id string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodGet, "v0/builds/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListBuilds returns one page of builds, newest first. status may be empty.
func (c *Client) ListBuilds(ctx context.Context, status string, limit int, cursor string) (PaginatedBuilds, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedBuilds
	err := c.do(ctx, http.MethodGet, withQuery("v0/builds", q), nil, &resp)
	return resp, err
}

// ResumeBuild re-runs configure and publish for a failed build.
func (c *Client) ResumeBuild(ctx context.Context, id string) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, "v0/builds/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// Events returns build events oldest first.
func (c *Client) Events(ctx context.Context, buildID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, buildID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, buildID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/builds/"+url.PathEscape(buildID)+"/events", q), nil, &resp)
	return resp, err
}

func (c *Client) Files(ctx context.Context, buildID string) (BuildFiles, error) {
	var resp BuildFiles
	err := c.do(ctx, http.MethodGet, "v0/builds/"+url.PathEscape(buildID)+"/files", nil, &resp)
	return resp, err
}

// Sanitize normalizes files on the server without starting a build.
func (c *Client) Sanitize(ctx context.Context, projectName string, files []File) (SanitizeResult, error) {
	body := map[string]any{
		"project_name": projectName,
		"files":        files,
	}
	var resp SanitizeResult
	err := c.do(ctx, http.MethodPost, "v0/sanitize", body, &resp)
	return resp, err
}

// WaitForBuild polls until the build is terminal or ctx ends.
func (c *Client) WaitForBuild(ctx context.Context, id string) (Build, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b, err := c.GetBuild(ctx, id)
		if err != nil {
			return b, err
		}
		if b.Terminal() {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
