package planner

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"mvpforge/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

// ContentGenerator is the part of genai.Models the planner calls.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiPlanner asks a Gemini model for the file plan.
type GeminiPlanner struct {
	models ContentGenerator
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*GeminiPlanner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiWith(client.Models, model), nil
}

func NewGeminiWith(models ContentGenerator, model string) *GeminiPlanner {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiPlanner{models: models, model: model}
}

func (g *GeminiPlanner) Plan(ctx context.Context, payload domain.BuildPayload) (Plan, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt(payload)), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Plan{}, fmt.Errorf("gemini plan: %w", err)
	}
	if resp == nil {
		return Plan{}, domain.Malformedf("gemini returned no response")
	}
	plan, err := ParsePlan(resp.Text())
	if err != nil {
		return Plan{}, err
	}
	if plan.Text == "" {
		plan.Text = payload.Plan
	}
	return plan, nil
}

func prompt(p domain.BuildPayload) string {
	var b strings.Builder
	b.WriteString("Plan the files of a small web app deployed as a Cloudflare Worker with static assets.\n")
	b.WriteString(`Answer with JSON: {"plan": string, "targetFiles": [{"path": string, "description": string}]}.` + "\n")
	b.WriteString("Static assets go under public/, the worker entry point is src/index.ts.\n\n")
	if p.IdeaSummary != "" {
		fmt.Fprintf(&b, "Idea: %s\n", p.IdeaSummary)
	}
	if p.Plan != "" {
		fmt.Fprintf(&b, "Draft plan: %s\n", p.Plan)
	}
	if p.Branding.Name != "" {
		fmt.Fprintf(&b, "Brand: %s", p.Branding.Name)
		if p.Branding.Tagline != "" {
			fmt.Fprintf(&b, " (%s)", p.Branding.Tagline)
		}
		b.WriteString("\n")
	}
	for _, m := range p.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
