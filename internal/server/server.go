package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"phaseline/internal/config"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	// GitHubBaseURL overrides the GitHub API endpoint; tests point it at a
	// local server.
	GitHubBaseURL string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"expected version 3, got 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"prd\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newActorMiddleware())
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerStakeholders(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerJira(group)
	registerGitHub(group, cfg.GitHubBaseURL)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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
	var nr engine.NotReadyError
	if errors.As(err, &nr) {
		return newAPIError(http.StatusUnprocessableEntity, "not_ready", err.Error(), map[string]any{"missing": nr.Missing})
	}
	var gf engine.GenerationFailedError
	if errors.As(err, &gf) {
		return newAPIError(http.StatusBadGateway, "generation_failed", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrVersionNotFound):
		return newAPIError(http.StatusNotFound, "version_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrArtifactNotFound):
		return newAPIError(http.StatusNotFound, "artifact_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrApprovedLocked):
		return newAPIError(http.StatusConflict, "approved_locked", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not version-tracked"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "generation_failed"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Phaseline API Docs</title>
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

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		opts := engine.CreateProjectOptions{
			Name:    input.Body.Name,
			ActorID: actorIDFromContext(ctx),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.ConfigYAML != nil {
			cfg, err := config.FromYAML([]byte(*input.Body.ConfigYAML))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			opts.Config = cfg
		}
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Import project config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ImportConfigRequest `json:"body"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(input.Body.ConfigYAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, input.ProjectID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerPhases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List project phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		if _, err := e.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase-by-number",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_number}",
		Summary:     "Get phase by number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		PhaseNumber int    `path:"phase_number"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		ph, err := e.GetPhaseByNumber(ctx, input.ProjectID, input.PhaseNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		ph, err := e.GetPhase(ctx, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-phase",
		Method:      http.MethodPatch,
		Path:        "/phases/{phase_id}",
		Summary:     "Update phase",
		Description: "Partial update: omitted fields are untouched. Data replaces the whole phase document; send the full merged document when editing.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string             `path:"phase_id"`
		Body    UpdatePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := engine.UpdatePhaseOptions{
			PhaseID: input.PhaseID,
			Status:  input.Body.Status,
			ActorID: actorIDFromContext(ctx),
		}
		if input.Body.Data != nil {
			data, err := json.Marshal(input.Body.Data)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid data", nil)
			}
			asStr := string(data)
			opts.DataJSON = &asStr
		}
		ph, err := e.UpdatePhase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(ph)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
