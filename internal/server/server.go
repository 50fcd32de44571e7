package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execstore/internal/domain"
	"execstore/internal/engine"
	"execstore/internal/engine/auth"
	"execstore/internal/errors"
	"execstore/internal/interlink"
	"execstore/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Dispatcher applies intents forwarded by peer partitions.
	Dispatcher interlink.Dispatcher
	BasePath   string
	Auth       AuthConfig
	// Gatherer backs /metrics. Nil means the default prometheus registry.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"PIPELINE 01HZ... not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the execstore API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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

	if cfg.Dispatcher.Applier == nil {
		cfg.Dispatcher = interlink.NewDispatcher(cfg.Engine.Applier(), cfg.Engine.Log)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	hcfg := huma.DefaultConfig("execstore API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExecutions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerInterlink(group, cfg.Dispatcher)
	registerOpenAPI(router, api, basePath)

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
	msg := err.Error()
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, errors.ErrForeignExecution):
		return newAPIError(http.StatusConflict, "foreign_execution", msg, nil)
	case errors.Is(err, errors.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, map[string]any{"reason": string(errors.CodeOf(err))})
	case errors.Is(err, errors.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, errors.ErrConsistencyExhausted):
		return newAPIError(http.StatusServiceUnavailable, "consistency_exhausted", msg, nil)
	case errors.Is(err, errors.ErrStorageUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", msg, nil)
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
	case http.StatusForbidden:
		return "forbidden"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>execstore API Docs</title>
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

var readErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

type executionOutput struct {
	Body *domain.Execution `json:"body"`
}

// mutationOutput answers 200 when applied here and 202 when forwarded.
type mutationOutput struct {
	Status int
	Body   MutationResponse `json:"body"`
}

func mutated(o engine.Outcome, err error) (*mutationOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	status := http.StatusOK
	if o.Forwarded() {
		status = http.StatusAccepted
	}
	if o.Execution != nil {
		o.Execution.Stages = domain.SortStages(o.Execution.Stages)
	}
	return &mutationOutput{Status: status, Body: mutationResponse(o)}, nil
}

func parseType(s string) (domain.ExecutionType, huma.StatusError) {
	t, err := domain.ParseExecutionType(s)
	if err != nil {
		return "", newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "type"})
	}
	return t, nil
}

func parseStatuses(raw string) []domain.Status {
	var out []domain.Status
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, domain.Status(s))
		}
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "store-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Create or replace an execution",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StoreExecutionRequest `json:"body"`
	}) (*executionOutput, error) {
		t, herr := parseType(input.Body.Type)
		if herr != nil {
			return nil, herr
		}
		if strings.TrimSpace(input.Body.Application) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "application is required", map[string]any{"field": "application"})
		}
		x := input.Body.toDomain(t)
		if err := e.Store(ctx, x); err != nil {
			return nil, handleError(err)
		}
		x.Stages = domain.SortStages(x.Stages)
		return &executionOutput{Body: x}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{type}/{id}",
		Summary:     "Get an execution with its stages",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Type          string `path:"type"`
		ID            string `path:"id"`
		RequireLatest bool   `query:"require_latest" doc:"Verify replica reads against the freshness ledger"`
	}) (*executionOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		x, err := e.Retrieve(ctx, t, input.ID, input.RequireLatest)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionOutput{Body: x}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions/{type}",
		Summary:     "List an application's executions, newest first",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Type        string `path:"type"`
		Application string `query:"application" required:"true"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
		Status      string `query:"status" doc:"Comma-separated statuses"`
	}) (*struct {
		Body PageResponse `json:"body"`
	}, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		page, err := e.RetrieveForApplication(ctx, t, input.Application, repo.Criteria{
			Statuses: parseStatuses(input.Status),
			PageSize: normalizeLimit(input.Limit),
			Cursor:   input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PageResponse `json:"body"`
		}{Body: pageResponse(page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-by-correlation",
		Method:      http.MethodGet,
		Path:        "/correlations/{type}/{id}",
		Summary:     "Get the running execution started for a correlation id",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*executionOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		x, err := e.RetrieveByCorrelationID(ctx, t, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionOutput{Body: x}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/cancel",
		Summary:     "Cancel an execution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type string         `path:"type"`
		ID   string         `path:"id"`
		Body *CancelRequest `json:"body"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		return mutated(e.Cancel(ctx, t, input.ID, actor(ctx), reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/pause",
		Summary:     "Pause a running execution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.Pause(ctx, t, input.ID, actor(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/resume",
		Summary:     "Resume a paused execution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type string         `path:"type"`
		ID   string         `path:"id"`
		Body *ResumeRequest `json:"body"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		ignore := input.Body != nil && input.Body.IgnoreStatus
		return mutated(e.Resume(ctx, t, input.ID, actor(ctx), ignore))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-execution",
		Method:      http.MethodDelete,
		Path:        "/executions/{type}/{id}",
		Summary:     "Delete an execution",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.Delete(ctx, t, input.ID))
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-stage",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/stages",
		Summary:     "Insert a synthetic stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type string       `path:"type"`
		ID   string       `path:"id"`
		Body StageRequest `json:"body"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.AddStage(ctx, t, input.ID, input.Body.toDomain()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-stage",
		Method:      http.MethodDelete,
		Path:        "/executions/{type}/{id}/stages/{stage_id}",
		Summary:     "Remove a stage and its synthetic children",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type    string `path:"type"`
		ID      string `path:"id"`
		StageID string `path:"stage_id"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.RemoveStage(ctx, t, input.ID, input.StageID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "restart-stage",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/stages/{stage_id}/restart",
		Summary:     "Restart a stage and everything downstream of it",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type    string `path:"type"`
		ID      string `path:"id"`
		StageID string `path:"stage_id"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.RestartStage(ctx, t, input.ID, input.StageID, actor(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-stage",
		Method:      http.MethodPost,
		Path:        "/executions/{type}/{id}/stages/{stage_id}/patch",
		Summary:     "Merge keys into a stage context",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Type    string            `path:"type"`
		ID      string            `path:"id"`
		StageID string            `path:"stage_id"`
		Body    PatchStageRequest `json:"body"`
	}) (*mutationOutput, error) {
		t, herr := parseType(input.Type)
		if herr != nil {
			return nil, herr
		}
		return mutated(e.PatchStage(ctx, t, input.ID, input.StageID, input.Body.Context))
	})
}

func registerInterlink(api huma.API, d interlink.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-intent",
		Method:        http.MethodPost,
		Path:          "/interlink/intents",
		Summary:       "Apply an intent forwarded by a peer partition",
		DefaultStatus: http.StatusAccepted,
		Errors:        append([]int{http.StatusUnauthorized, http.StatusForbidden}, mutationErrors...),
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body IntentAccepted `json:"body"`
	}, error) {
		if herr := requireRole(ctx, auth.RolePeer); herr != nil {
			return nil, herr
		}
		ev, err := interlink.Decode(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentAccepted `json:"body"`
		}{Body: IntentAccepted{ID: ev.ID}}, nil
	})
}
