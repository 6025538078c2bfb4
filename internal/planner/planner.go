// Package planner turns a build payload into a plan and its file list. The
// planner is an external collaborator; this package only adapts to it.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mvpforge/internal/domain"
)

// Plan is the planner's answer.
type Plan struct {
	Text        string            `json:"plan"`
	TargetFiles []domain.FileSpec `json:"targetFiles"`
}

type Planner interface {
	Plan(ctx context.Context, payload domain.BuildPayload) (Plan, error)
}

// Static always returns the same plan.
type Static struct {
	Result Plan
}

func (s Static) Plan(_ context.Context, payload domain.BuildPayload) (Plan, error) {
	out := s.Result
	if out.Text == "" {
		out.Text = payload.Plan
	}
	return out, nil
}

// HTTPPlanner posts the payload to {BaseURL}/plan.
type HTTPPlanner struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (h HTTPPlanner) Plan(ctx context.Context, payload domain.BuildPayload) (Plan, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return Plan{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BaseURL, "/")+"/plan", bytes.NewReader(body))
	if err != nil {
		return Plan{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Plan{}, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Plan{}, fmt.Errorf("read planner response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Plan{}, domain.NewUpstreamError(resp.StatusCode, data)
	}
	plan, err := ParsePlan(string(data))
	if err != nil {
		return Plan{}, err
	}
	if plan.Text == "" {
		plan.Text = payload.Plan
	}
	return plan, nil
}

type wireSpec struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	File        string `json:"file"`
	Description string `json:"description"`
	Purpose     string `json:"purpose"`
}

// UnmarshalJSON accepts a bare path string as well as an object.
func (w *wireSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &w.Path)
	}
	type plain wireSpec
	return json.Unmarshal(data, (*plain)(w))
}

type wirePlan struct {
	Plan        string     `json:"plan"`
	Summary     string     `json:"summary"`
	TargetFiles []wireSpec `json:"targetFiles"`
	Snake       []wireSpec `json:"target_files"`
	Files       []wireSpec `json:"files"`
}

// ParsePlan decodes a planner answer. Surrounding prose and code fences are
// tolerated; the first JSON object in text is used.
func ParsePlan(text string) (Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Plan{}, domain.Malformedf("planner answer has no JSON object")
	}
	var wp wirePlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &wp); err != nil {
		return Plan{}, domain.Malformedf("planner answer: %v", err)
	}
	specs := wp.TargetFiles
	if len(specs) == 0 {
		specs = wp.Snake
	}
	if len(specs) == 0 {
		specs = wp.Files
	}
	out := Plan{Text: wp.Plan}
	if out.Text == "" {
		out.Text = wp.Summary
	}
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		path := firstNonEmpty(s.Path, s.Filename, s.File)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out.TargetFiles = append(out.TargetFiles, domain.FileSpec{
			Path:        path,
			Description: firstNonEmpty(s.Description, s.Purpose),
		})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
