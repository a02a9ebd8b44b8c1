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

	"callbank/internal/claim"
	"callbank/internal/engine"
	"callbank/internal/interact"
	"callbank/internal/kv"
	"callbank/internal/unique"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"code_taken"`
	Message string         `json:"message" example:"code \"austin-01\" already taken"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"code\":\"austin-01\"}"`
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

// New returns an HTTP handler exposing the Callbank API.
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
			// Schema/request validation errors are 400 bad_request.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Callbank API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLocations(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTargets(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var taken unique.ErrCodeTaken
	if errors.As(err, &taken) {
		return newAPIError(http.StatusConflict, "code_taken", err.Error(), map[string]any{"code": taken.Code})
	}
	if errors.Is(err, claim.ErrContended) {
		return newAPIError(http.StatusConflict, "contended", err.Error(), map[string]any{"retryable": true})
	}
	if errors.Is(err, claim.ErrNotHolder) || errors.Is(err, claim.ErrTerminal) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, kv.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var cond *kv.ConditionError
	if errors.As(err, &cond) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"pk": cond.PK, "sk": cond.SK})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "still open"):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPage(pages []string, page string) bool {
	for _, p := range pages {
		if p == page {
			return true
		}
	}
	return false
}

// requirePage resolves page access for the authenticated principal
// within a location. Token-carried pages short-circuit the graph walk;
// the resolver itself is fail-closed.
func requirePage(ctx context.Context, e engine.Engine, locationID, page string) error {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if hasPage(principal.Pages, page) {
		return nil
	}
	if e.CanAccess(ctx, principal.ActorID, locationID, page) {
		return nil
	}
	return newAPIError(http.StatusForbidden, "forbidden", "access denied", map[string]any{"page": page})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Callbank API Docs</title>
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

func registerLocations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-location",
		Method:        http.MethodPost,
		Path:          "/locations",
		Summary:       "Create location",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLocationRequest `json:"body"`
	}) (*struct {
		Body LocationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		loc, err := e.InitLocation(ctx, input.Body.Code, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LocationResponse `json:"body"`
		}{Body: locationResponse(loc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-location",
		Method:      http.MethodGet,
		Path:        "/locations/{code}",
		Summary:     "Get location by code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*struct {
		Body LocationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		loc, err := e.GetLocationByCode(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LocationResponse `json:"body"`
		}{Body: locationResponse(loc)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/locations/{location_id}/tasks",
		Summary:       "Create call task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LocationID string            `path:"location_id"`
		Body       CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if err := requirePage(ctx, e, input.LocationID, "tasks.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			LocationID: input.LocationID,
			Title:      input.Body.Title,
			Actions:    input.Body.Actions,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/locations/{location_id}/tasks",
		Summary:     "List task summaries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		LocationID string `path:"location_id"`
	}) (*struct {
		Body []TaskSummaryResponse `json:"body"`
	}, error) {
		if err := requirePage(ctx, e, input.LocationID, "tasks.view"); err != nil {
			return nil, handleError(err)
		}
		summaries, err := e.TaskSummaries(ctx, input.LocationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskSummaryResponse `json:"body"`
		}{Body: mapSummaries(summaries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "tasks.view"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/summary",
		Summary:     "Task pool summary",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskSummaryResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "tasks.view"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.TaskSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskSummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "tasks.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		done, err := e.CompleteTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(done)}, nil
	})
}

func registerTargets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-targets",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/targets",
		Summary:       "Add targets to task pool",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AddTargetsRequest `json:"body"`
	}) (*struct {
		Body []TargetResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Targets) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one target required", nil)
		}
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "tasks.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inputs := make([]engine.TargetInput, 0, len(input.Body.Targets))
		for _, in := range input.Body.Targets {
			inputs = append(inputs, engine.TargetInput{Name: in.Name, Phone: in.Phone})
		}
		added, err := e.AddTargets(ctx, input.ID, actorID, inputs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TargetResponse `json:"body"`
		}{Body: mapTargets(added)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/targets",
		Summary:     "List task targets",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TargetResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "tasks.view"); err != nil {
			return nil, handleError(err)
		}
		targets, err := e.Store.TargetsByTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TargetResponse `json:"body"`
		}{Body: mapTargets(targets)}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-targets",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim a batch of targets",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "claims.make"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ClaimTargets(ctx, input.ID, actorID, input.Body.Count)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-target",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/targets/{target_id}/skip",
		Summary:     "Skip a claimed target",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		TargetID string `path:"target_id"`
	}) (*struct{}, error) {
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "claims.make"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SkipTarget(ctx, input.ID, actorID, input.TargetID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-call",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/targets/{target_id}/call",
		Summary:     "Record a call outcome",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID       string            `path:"id"`
		TargetID string            `path:"target_id"`
		Body     RecordCallRequest `json:"body"`
	}) (*struct {
		Body InteractionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.Store.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePage(ctx, e, t.LocationID, "claims.make"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RecordCall(ctx, input.ID, input.TargetID, actorID, interact.Outcome{
			Actions:    input.Body.Actions,
			Notes:      input.Body.Notes,
			Rating:     input.Body.Rating,
			FollowUpAt: input.Body.FollowUpAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InteractionResponse `json:"body"`
		}{Body: interactionResponse(n)}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List the caller's assigned work",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AssignedWorkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		work, err := e.AssignedWork(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignedWorkResponse `json:"body"`
		}{Body: mapWork(work)}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "join-location",
		Method:        http.MethodPost,
		Path:          "/locations/{location_id}/join",
		Summary:       "Join a location group",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		LocationID string      `path:"location_id"`
		Body       JoinRequest `json:"body"`
	}) (*struct {
		Body MembershipResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.GroupType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "group_type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Join(ctx, actorID, input.LocationID, input.Body.GroupType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembershipResponse `json:"body"`
		}{Body: MembershipResponse{
			PrincipalID: m.PrincipalID,
			LocationID:  m.LocationID,
			GroupID:     m.GroupID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accessible-pages",
		Method:      http.MethodGet,
		Path:        "/locations/{location_id}/pages",
		Summary:     "List pages the caller can access",
	}, func(ctx context.Context, input *struct {
		LocationID string `path:"location_id"`
	}) (*struct {
		Body PagesResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pages := e.AccessiblePages(ctx, actorID, input.LocationID)
		if pages == nil {
			pages = []string{}
		}
		return &struct {
			Body PagesResponse `json:"body"`
		}{Body: PagesResponse{
			PrincipalID: actorID,
			LocationID:  input.LocationID,
			Pages:       pages,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		// Plaintext goes out once; only the hash is stored.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Store.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "location-events",
		Method:      http.MethodGet,
		Path:        "/locations/{location_id}/events",
		Summary:     "Tail location events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		LocationID string `path:"location_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requirePage(ctx, e, input.LocationID, "reports.view"); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Events.Tail(ctx, input.LocationID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
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
