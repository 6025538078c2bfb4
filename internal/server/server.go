package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mvpforge/internal/artifacts"
	"mvpforge/internal/config"
	"mvpforge/internal/domain"
	"mvpforge/internal/engine"
	"mvpforge/internal/engine/auth"
	"mvpforge/internal/pipeline"
	"mvpforge/internal/publish"
	"mvpforge/internal/repo"
	"mvpforge/internal/sanitize"
	"mvpforge/internal/wrangler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Webhooks []config.WebhookConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"plan has no target files"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"stage\":\"plan\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the build API. Builds accepted over HTTP run in the background
// and outlive their request; Shutdown waits for them.
type Server struct {
	handler http.Handler
	engine  *engine.Engine
	log     *zap.Logger

	// mu orders run reservations against Shutdown so runs.Add never races
	// runs.Wait.
	mu      sync.Mutex
	closing bool
	runs    sync.WaitGroup

	hooks     *webhookDispatcher
	stopHooks context.CancelFunc
	hooksDone chan struct{}
}

// New returns the build API and starts webhook delivery when any hook is
// configured.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	s := &Server{engine: cfg.Engine, log: logger.Named("server")}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("MVP Forge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerStatus(group, s)
	registerBuilds(group, s)
	registerBuildEvents(group, s)
	registerBuildFiles(group, s)
	registerSanitize(group, s)
	registerOpenAPI(router, api, basePath)
	s.handler = router

	if d := newWebhookDispatcher(cfg.Engine.Repo, cfg.Webhooks, logger); d != nil {
		prev := cfg.Engine.Notify
		cfg.Engine.Notify = func(evt domain.Event) {
			if prev != nil {
				prev(evt)
			}
			d.Wake(evt)
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.prime(ctx)
		s.hooks, s.stopHooks, s.hooksDone = d, cancel, make(chan struct{})
		go func() {
			defer close(s.hooksDone)
			d.run(ctx)
		}()
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Shutdown refuses new builds, then waits for in-flight builds and stops
// webhook delivery. It returns ctx.Err() if ctx ends first; the builds keep
// running in that case.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.stopHooks != nil {
		s.stopHooks()
		<-s.hooksDone
	}
	return err
}

// reserve claims a background run slot, or fails once Shutdown has begun.
// The returned release frees the slot; spawn calls it when the run ends.
func (s *Server) reserve() (release func(), err huma.StatusError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, newAPIError(http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
	}
	s.runs.Add(1)
	var once sync.Once
	return func() { once.Do(s.runs.Done) }, nil
}

// spawn runs fn detached from the request that triggered it, on a slot
// taken with reserve.
func (s *Server) spawn(ctx context.Context, buildID string, release func(), fn func(context.Context) error) {
	go func() {
		defer release()
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			s.log.Info("background build ended with error", zap.String("build_id", buildID), zap.Error(err))
		}
	}()
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var details map[string]any
	var se *pipeline.StageError
	if errors.As(err, &se) {
		details = map[string]any{"stage": string(se.Stage)}
	}
	var fe auth.ForbiddenError
	var pe *publish.PublishError
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	case errors.Is(err, domain.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "invalid_argument", err.Error(), details)
	case errors.Is(err, domain.ErrPreconditionFailed):
		return newAPIError(http.StatusBadRequest, "precondition_failed", err.Error(), details)
	case errors.As(err, &pe):
		if details == nil {
			details = map[string]any{}
		}
		details["step"] = string(pe.Step)
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), details)
	case errors.As(err, &ue), errors.Is(err, domain.ErrMalformedResponse):
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), details)
	default:
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = err.Error()
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>MVP Forge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		perms := p.Permissions
		if perms == nil {
			perms = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Permissions: perms, Source: p.Source}}, nil
	})
}

func registerStatus(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Build counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		counts, err := s.engine.Repo.CountBuildsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Builds: counts}}, nil
	})
}

type buildPath struct {
	ID string `path:"id"`
}

type buildOutput struct {
	Body BuildResponse `json:"body"`
}

func registerBuilds(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-build",
		Method:        http.MethodPost,
		Path:          "/builds",
		Summary:       "Start a build",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateBuildRequest
	}) (*buildOutput, error) {
		p, authErr := requirePermission(ctx, auth.PermBuildCreate)
		if authErr != nil {
			return nil, authErr
		}
		release, closed := s.reserve()
		if closed != nil {
			return nil, closed
		}
		b, err := s.engine.Start(ctx, input.Body.payload(), p.ActorID)
		if err != nil {
			release()
			return nil, handleError(err)
		}
		s.spawn(ctx, b.ID, release, func(ctx context.Context) error {
			_, err := s.engine.Run(ctx, b.ID)
			return err
		})
		return &buildOutput{Body: BuildResponse{b}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/builds",
		Summary:     "List builds, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IdeaID string `query:"idea_id"`
		Status string `query:"status" enum:"pending,running,succeeded,failed"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedBuilds `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.ListBuilds(ctx, repo.BuildFilters{
			IdeaID:          input.IdeaID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedBuilds{Items: []BuildResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, b := range items {
			resp.Items = append(resp.Items, BuildResponse{b})
		}
		return &struct {
			Body paginatedBuilds `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{id}",
		Summary:     "Get a build",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *buildPath) (*buildOutput, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		b, err := s.engine.Repo.GetBuild(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &buildOutput{Body: BuildResponse{b}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-build",
		Method:        http.MethodPost,
		Path:          "/builds/{id}/resume",
		Summary:       "Re-run configure and publish for a failed build",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *buildPath) (*buildOutput, error) {
		p, authErr := requirePermission(ctx, auth.PermBuildCreate)
		if authErr != nil {
			return nil, authErr
		}
		release, closed := s.reserve()
		if closed != nil {
			return nil, closed
		}
		spawned := false
		defer func() {
			if !spawned {
				release()
			}
		}()
		b, err := s.engine.Repo.GetBuild(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if b.Status != domain.BuildFailed {
			return nil, handleError(fmt.Errorf("%w: build %s is %s, only failed builds can be resumed", engine.ErrConflict, b.ID, b.Status))
		}
		if _, _, err := s.engine.Archive.Load(ctx, b.ID); err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				return nil, handleError(domain.Preconditionf("build %s failed before its files were assembled; start a new build", b.ID))
			}
			return nil, handleError(err)
		}
		spawned = true
		s.spawn(ctx, b.ID, release, func(ctx context.Context) error {
			_, err := s.engine.Resume(ctx, b.ID, p.ActorID)
			return err
		})
		return &buildOutput{Body: BuildResponse{b}}, nil
	})
}

func registerBuildEvents(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-build-events",
		Method:      http.MethodGet,
		Path:        "/builds/{id}/events",
		Summary:     "List build events, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		if _, err := s.engine.Repo.GetBuild(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.Events(ctx, repo.EventFilters{BuildID: input.ID, Type: input.Type, After: after, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBuildFiles(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "get-build-files",
		Method:      http.MethodGet,
		Path:        "/builds/{id}/files",
		Summary:     "Archived project files of a build",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Path string `query:"path" doc:"Return only this file"`
	}) (*struct {
		Body FilesResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		project, manifest, err := s.engine.Files(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := FilesResponse{
			BuildID:     input.ID,
			Fingerprint: manifest.Fingerprint,
			ArchivedAt:  manifest.ArchivedAt,
			Files:       project.Files(),
		}
		if input.Path != "" {
			content, ok := project.Get(input.Path)
			if !ok {
				return nil, newAPIError(http.StatusNotFound, "not_found", "file not found", map[string]any{"path": input.Path})
			}
			resp.Files = []domain.GeneratedFile{{Path: input.Path, Content: content}}
		}
		return &struct {
			Body FilesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSanitize(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "sanitize",
		Method:      http.MethodPost,
		Path:        "/sanitize",
		Summary:     "Normalize files into the deployable layout without publishing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SanitizeRequest
	}) (*struct {
		Body SanitizeResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermBuildRead); err != nil {
			return nil, err
		}
		var opts pipeline.Options
		if s.engine.Builder != nil {
			opts = s.engine.Builder.Options
		}
		project, report := sanitize.Sanitize(input.Body.Files, sanitize.Options{
			ProjectName:       wrangler.Slug(input.Body.ProjectName),
			Branding:          input.Body.Branding,
			CompatibilityDate: opts.CompatibilityDate,
			AccountID:         opts.AccountID,
		})
		return &struct {
			Body SanitizeResponse `json:"body"`
		}{Body: SanitizeResponse{
			Fingerprint: project.Fingerprint(),
			Files:       project.Files(),
			Report:      report,
		}}, nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		BuildID: evt.BuildID,
		ActorID: evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			out.Payload = payload
		}
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
