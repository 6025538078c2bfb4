package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"mvpforge/internal/domain"
)

func TestParsePlanShapes(t *testing.T) {
	want := []domain.FileSpec{
		{Path: "public/index.html", Description: "landing"},
		{Path: "src/index.ts"},
	}
	for name, text := range map[string]string{
		"camel":  `{"plan":"p","targetFiles":[{"path":"public/index.html","description":"landing"},{"path":"src/index.ts"}]}`,
		"snake":  `{"plan":"p","target_files":[{"filename":"public/index.html","purpose":"landing"},"src/index.ts"]}`,
		"files":  `{"summary":"p","files":[{"file":"public/index.html","description":"landing"},{"path":"src/index.ts"},{"path":"src/index.ts"}]}`,
		"fenced": "Here you go:\n```json\n{\"plan\":\"p\",\"targetFiles\":[{\"path\":\"public/index.html\",\"description\":\"landing\"},\"src/index.ts\"]}\n```",
	} {
		t.Run(name, func(t *testing.T) {
			plan, err := ParsePlan(text)
			require.NoError(t, err)
			assert.Equal(t, "p", plan.Text)
			assert.Equal(t, want, plan.TargetFiles)
		})
	}
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "no json here", "{not json}"} {
		_, err := ParsePlan(text)
		assert.True(t, errors.Is(err, domain.ErrMalformedResponse), text)
	}
}

func TestHTTPPlanner(t *testing.T) {
	var got domain.BuildPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plan", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"targetFiles":[{"path":"public/app.js"}]}`))
	}))
	defer srv.Close()

	plan, err := HTTPPlanner{BaseURL: srv.URL + "/", APIKey: "k"}.Plan(context.Background(), domain.BuildPayload{IdeaID: "i1", Plan: "draft"})
	require.NoError(t, err)
	assert.Equal(t, "i1", got.IdeaID)
	assert.Equal(t, "draft", plan.Text)
	assert.Equal(t, []domain.FileSpec{{Path: "public/app.js"}}, plan.TargetFiles)
}

func TestHTTPPlannerUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := HTTPPlanner{BaseURL: srv.URL}.Plan(context.Background(), domain.BuildPayload{})
	var upstream *domain.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.Status)
}

type fakeModels struct {
	model  string
	prompt string
	config *genai.GenerateContentConfig
	answer string
	err    error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: f.answer}}},
	}}}, nil
}

func TestGeminiPlanner(t *testing.T) {
	models := &fakeModels{answer: `{"plan":"a todo app","targetFiles":[{"path":"public/index.html"}]}`}
	g := NewGeminiWith(models, "")
	plan, err := g.Plan(context.Background(), domain.BuildPayload{
		IdeaSummary: "todo list",
		Branding:    domain.Branding{Name: "Tasky", Tagline: "do it"},
		Messages:    []domain.Message{{Role: "user", Content: "dark mode please"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a todo app", plan.Text)
	assert.Len(t, plan.TargetFiles, 1)
	assert.Equal(t, defaultGeminiModel, models.model)
	assert.Equal(t, "application/json", models.config.ResponseMIMEType)
	assert.Contains(t, models.prompt, "Idea: todo list")
	assert.Contains(t, models.prompt, "Brand: Tasky (do it)")
	assert.Contains(t, models.prompt, "user: dark mode please")
}

func TestGeminiPlannerError(t *testing.T) {
	boom := errors.New("quota")
	_, err := NewGeminiWith(&fakeModels{err: boom}, "m").Plan(context.Background(), domain.BuildPayload{})
	assert.ErrorIs(t, err, boom)
}

func TestStaticPlanner(t *testing.T) {
	s := Static{Result: Plan{TargetFiles: []domain.FileSpec{{Path: "a.js"}}}}
	plan, err := s.Plan(context.Background(), domain.BuildPayload{Plan: "from payload"})
	require.NoError(t, err)
	assert.Equal(t, "from payload", plan.Text)
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "")
	assert.Error(t, err)
}
