// Package generator talks to the external code-generation service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mvpforge/internal/domain"
)

const (
	batchPath    = "/generate-batch"
	fallbackPath = "/generate"
)

// Config for the generator client.
type Config struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	AllowMissingContent bool
	MaxContextBytes     int
	HTTPClient          *http.Client
	Logger              *zap.Logger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BatchRequest is one call's worth of work plus shared context.
type BatchRequest struct {
	Plan             string
	TargetFiles      []domain.FileSpec
	AlreadyGenerated []domain.GeneratedFile
	Messages         []domain.Message
}

type wireRequest struct {
	Plan             string                 `json:"plan"`
	TargetFiles      []domain.FileSpec      `json:"targetFiles"`
	AlreadyGenerated []domain.GeneratedFile `json:"alreadyGenerated,omitempty"`
	Messages         []domain.Message       `json:"messages,omitempty"`
}

// Client calls the generation endpoint for one batch at a time.
type Client struct {
	cfg         Config
	http        *http.Client
	log         *zap.Logger
	useFallback atomic.Bool
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Per-attempt deadlines come from the request context.
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, log: logger}
}

// Generate requests contents for one batch of files, retrying transient
// failures with exponential backoff.
func (c *Client) Generate(ctx context.Context, req BatchRequest) ([]domain.GeneratedFile, error) {
	if len(req.TargetFiles) == 0 {
		return nil, domain.Preconditionf("no target files to generate")
	}
	body, err := json.Marshal(wireRequest{
		Plan:             req.Plan,
		TargetFiles:      req.TargetFiles,
		AlreadyGenerated: c.trimContext(req.AlreadyGenerated),
		Messages:         req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt - 1)
			c.log.Warn("retrying generator call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			if err := c.cfg.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		files, err := c.attempt(ctx, body)
		if err == nil {
			c.log.Debug("generator batch complete",
				zap.Int("attempt", attempt),
				zap.Int("requested", len(req.TargetFiles)),
				zap.Int("received", len(files)))
			return files, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generator failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, body []byte) ([]domain.GeneratedFile, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	path := batchPath
	if c.useFallback.Load() {
		path = fallbackPath
	}
	status, respBody, err := c.post(attemptCtx, path, body)
	if err != nil {
		return nil, err
	}
	if path == batchPath && (status == http.StatusNotFound || status == http.StatusMethodNotAllowed) {
		c.log.Info("generator has no batch endpoint, using fallback", zap.String("path", fallbackPath))
		c.useFallback.Store(true)
		status, respBody, err = c.post(attemptCtx, fallbackPath, body)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, domain.NewUpstreamError(status, respBody)
	}
	return DecodeFiles(respBody, c.cfg.AllowMissingContent)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create generator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("generator request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read generator response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// backoff returns base * 2^(n-1), capped: 2s, 4s, 8s ...
func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	if d > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return d
}

func (c *Client) trimContext(files []domain.GeneratedFile) []domain.GeneratedFile {
	if c.cfg.MaxContextBytes <= 0 || len(files) == 0 {
		return files
	}
	out := make([]domain.GeneratedFile, len(files))
	for i, f := range files {
		out[i] = domain.GeneratedFile{Path: f.Path, Content: domain.Truncate(f.Content, c.cfg.MaxContextBytes)}
	}
	return out
}

// isTransient covers attempt timeouts, aborted transports and gateway errors.
// Client rejections (4xx) and undecodable bodies are final.
func isTransient(err error) bool {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, domain.ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
