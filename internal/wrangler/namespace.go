package wrangler

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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mvpforge/internal/domain"
)

const (
	listPageSize = 100
	maxListPages = 50
	// Cloudflare error code for a duplicate namespace title.
	codeNamespaceExists = 10014
)

// NamespaceCache remembers namespace ids by account and title.
type NamespaceCache interface {
	GetNamespace(ctx context.Context, accountID, title string) (string, bool, error)
	PutNamespace(ctx context.Context, accountID, title, id string) error
}

// MemoryCache is a process-local NamespaceCache.
type MemoryCache struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ids: make(map[string]string)}
}

func (m *MemoryCache) GetNamespace(_ context.Context, accountID, title string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[accountID+"/"+title]
	return id, ok, nil
}

func (m *MemoryCache) PutNamespace(_ context.Context, accountID, title, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[accountID+"/"+title] = id
	return nil
}

type ProvisionerConfig struct {
	APIURL     string
	APIToken   string
	AccountID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Cache      NamespaceCache
	Logger     *zap.Logger
}

// Provisioner resolves a namespace title to an id, creating the namespace
// only when no namespace with that title exists.
type Provisioner struct {
	cfg   ProvisionerConfig
	http  *http.Client
	log   *zap.Logger
	group singleflight.Group
}

func NewProvisioner(cfg ProvisionerConfig) *Provisioner {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.cloudflare.com/client/v4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{cfg: cfg, http: httpClient, log: logger}
}

// Ensure returns the namespace for title, reusing an existing one. Concurrent
// calls for the same title share one lookup.
func (p *Provisioner) Ensure(ctx context.Context, title string) (domain.KvNamespaceRef, error) {
	if strings.TrimSpace(title) == "" {
		return domain.KvNamespaceRef{}, fmt.Errorf("%w: namespace title is required", domain.ErrInvalidArgument)
	}
	if p.cfg.AccountID == "" || p.cfg.APIToken == "" {
		return domain.KvNamespaceRef{}, domain.Preconditionf("cloudflare account id and api token are required")
	}
	ch := p.group.DoChan(p.cfg.AccountID+"/"+title, func() (any, error) {
		return p.ensure(context.WithoutCancel(ctx), title)
	})
	select {
	case <-ctx.Done():
		return domain.KvNamespaceRef{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.KvNamespaceRef{}, res.Err
		}
		return res.Val.(domain.KvNamespaceRef), nil
	}
}

func (p *Provisioner) ensure(ctx context.Context, title string) (domain.KvNamespaceRef, error) {
	logger := p.log.With(zap.String("title", title))
	if id, ok, err := p.cfg.Cache.GetNamespace(ctx, p.cfg.AccountID, title); err != nil {
		logger.Warn("namespace cache lookup failed", zap.Error(err))
	} else if ok {
		logger.Debug("namespace cache hit", zap.String("id", id))
		return domain.KvNamespaceRef{Title: title, ID: id}, nil
	}

	id, found, err := p.find(ctx, title)
	switch {
	case err != nil:
		logger.Warn("listing namespaces failed, creating", zap.Error(err))
	case found:
		logger.Info("reusing namespace", zap.String("id", id))
		return p.remember(ctx, title, id), nil
	}

	id, err = p.create(ctx, title)
	if errors.Is(err, errNamespaceExists) {
		// Lost a race with another process; the namespace is there now.
		existing, ok, listErr := p.find(ctx, title)
		if listErr != nil {
			return domain.KvNamespaceRef{}, fmt.Errorf("namespace %s exists but listing failed: %w", title, listErr)
		}
		if !ok {
			return domain.KvNamespaceRef{}, fmt.Errorf("namespace %s reported as existing but not listed", title)
		}
		return p.remember(ctx, title, existing), nil
	}
	if err != nil {
		return domain.KvNamespaceRef{}, err
	}
	logger.Info("created namespace", zap.String("id", id))
	return p.remember(ctx, title, id), nil
}

func (p *Provisioner) remember(ctx context.Context, title, id string) domain.KvNamespaceRef {
	if err := p.cfg.Cache.PutNamespace(ctx, p.cfg.AccountID, title, id); err != nil {
		p.log.Warn("namespace cache write failed", zap.String("title", title), zap.Error(err))
	}
	return domain.KvNamespaceRef{Title: title, ID: id}
}

var errNamespaceExists = errors.New("namespace already exists")

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type namespace struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type listResponse struct {
	Success    bool         `json:"success"`
	Errors     []apiMessage `json:"errors"`
	Result     []namespace  `json:"result"`
	ResultInfo struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		Count      int `json:"count"`
		TotalCount int `json:"total_count"`
		TotalPages int `json:"total_pages"`
	} `json:"result_info"`
}

type createResponse struct {
	Success bool         `json:"success"`
	Errors  []apiMessage `json:"errors"`
	Result  namespace    `json:"result"`
}

// find pages through the account's namespaces. The list endpoint reports
// total_count rather than a page count; total_pages is honoured when present
// and a short page ends the listing otherwise.
func (p *Provisioner) find(ctx context.Context, title string) (string, bool, error) {
	seen := 0
	for page := 1; page <= maxListPages; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(listPageSize))
		status, body, err := p.do(ctx, http.MethodGet, p.namespacesPath()+"?"+q.Encode(), nil)
		if err != nil {
			return "", false, err
		}
		if status >= 300 {
			return "", false, domain.NewUpstreamError(status, body)
		}
		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", false, domain.Malformedf("namespace list: %v", err)
		}
		if !resp.Success {
			return "", false, fmt.Errorf("namespace list: %s", messages(resp.Errors))
		}
		for _, ns := range resp.Result {
			if ns.Title == title {
				return ns.ID, true, nil
			}
		}
		seen += len(resp.Result)
		info := resp.ResultInfo
		switch {
		case len(resp.Result) == 0:
			return "", false, nil
		case info.TotalPages > 0:
			if page >= info.TotalPages {
				return "", false, nil
			}
		case info.TotalCount > 0:
			if seen >= info.TotalCount {
				return "", false, nil
			}
		case len(resp.Result) < listPageSize:
			return "", false, nil
		}
	}
	return "", false, nil
}

func (p *Provisioner) create(ctx context.Context, title string) (string, error) {
	status, body, err := p.do(ctx, http.MethodPost, p.namespacesPath(), map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	var resp createResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status >= 300 || !resp.Success {
		for _, m := range resp.Errors {
			if m.Code == codeNamespaceExists || strings.Contains(strings.ToLower(m.Message), "already exists") {
				return "", errNamespaceExists
			}
		}
		if status >= 300 {
			return "", fmt.Errorf("create namespace %s: %w", title, domain.NewUpstreamError(status, body))
		}
		return "", fmt.Errorf("create namespace %s: %s", title, messages(resp.Errors))
	}
	if decodeErr != nil || resp.Result.ID == "" {
		return "", domain.Malformedf("create namespace %s: missing id", title)
	}
	return resp.Result.ID, nil
}

func (p *Provisioner) namespacesPath() string {
	return fmt.Sprintf("/accounts/%s/storage/kv/namespaces", url.PathEscape(p.cfg.AccountID))
}

func (p *Provisioner) do(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.APIURL, "/")+endpoint, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func messages(msgs []apiMessage) string {
	if len(msgs) == 0 {
		return "unknown error"
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, fmt.Sprintf("%d %s", m.Code, m.Message))
	}
	return strings.Join(parts, "; ")
}
