package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tripdesk/internal/approval"
	"tripdesk/internal/config"
	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/engine/auth"
	"tripdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Tracing wraps the router with OpenTelemetry instrumentation.
	Tracing bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_decided"`
	Message string         `json:"message" example:"approval already decided: budget-1500 is rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	engine engine.Engine
	rbac   auth.Service
	auth   AuthConfig
}

// New returns an HTTP handler exposing the tripdesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request validation errors are plain bad requests here.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	a := &api{
		engine: cfg.Engine,
		rbac:   auth.Service{Config: cfg.Engine.Config},
		auth:   cfg.Auth,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(LoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	if cfg.Tracing {
		router.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "tripdesk")
		})
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.rbac))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Tripdesk API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	a.registerAgents(group)
	a.registerClassify(group)
	a.registerSessions(group)
	a.registerMessages(group)
	a.registerDisplay(group)
	a.registerApprovals(group)
	a.registerEvents(group)
	a.registerMe(group)
	if cfg.Auth.DevLogin {
		a.registerDevAuth(group)
	}
	registerOpenAPI(router, humaAPI, basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, approval.ErrAlreadyDecided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	if errors.Is(err, approval.ErrInvalidKey) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// require returns the caller when it holds perm.
func (a *api) require(ctx context.Context, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := a.rbac.Require(principal.Principal, perm); err != nil {
		return Principal{}, err
	}
	return principal, nil
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
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
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
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	schema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: schema},
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Tripdesk API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func (a *api) registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List the remote agents the orchestrator delegates to",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		cfg := a.engine.Config
		out := []AgentResponse{}
		for _, name := range cfg.AgentNames() {
			out = append(out, AgentResponse{Name: name, Agent: cfg.Agents[name]})
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (a *api) registerClassify(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "classify",
		Method:      http.MethodPost,
		Path:        "/classify",
		Summary:     "Classify one message event without storing it",
	}, func(ctx context.Context, input *struct {
		Body MessageRequest `json:"body"`
	}) (*struct {
		Body ClassifyResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		p, reason := a.engine.Classify(input.Body.event())
		return &struct {
			Body ClassifyResponse `json:"body"`
		}{Body: classifyResponse(p, string(reason))}, nil
	})
}

type sessionPath struct {
	SessionID string `path:"session_id"`
}

func (a *api) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a chat session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		principal, err := a.require(ctx, config.PermSessionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ID != "" {
			if _, err := a.engine.GetSession(ctx, input.Body.ID); err == nil {
				return nil, newAPIError(http.StatusConflict, "conflict", "session already exists", map[string]any{"id": input.Body.ID})
			}
		}
		s, err := a.engine.CreateSession(ctx, input.Body.ID, input.Body.Title, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		items, err := a.engine.ListSessions(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]domain.Session, 0, len(items))
		for _, s := range items {
			out = append(out, s)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		s, err := a.engine.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}

func (a *api) registerMessages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-message",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/messages",
		Summary:       "Append a message event and rescan the session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      MessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		principal, err := a.require(ctx, config.PermSessionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if len(input.Body.Result) > 0 && !json.Valid(input.Body.Result) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "result must be valid JSON", nil)
		}
		msg, report, err := a.engine.AppendMessage(ctx, input.SessionID, input.Body.event(), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: msg, Scan: report}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/messages",
		Summary:     "List the session history in order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		items, err := a.engine.ListMessages(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]domain.Message, 0, len(items))
		for _, m := range items {
			out = append(out, m)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: out}, nil
	})
}

func (a *api) registerDisplay(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-display",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/display",
		Summary:     "Rescan the session and return what each panel shows",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body engine.DisplayView `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		view, err := a.engine.Display(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DisplayView `json:"body"`
		}{Body: view}, nil
	})
}

func (a *api) registerApprovals(api huma.API) {
	type approvalPath struct {
		SessionID string `path:"session_id"`
		Key       string `path:"key" example:"budget-1500"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/approvals",
		Summary:     "List budget approvals of a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		items, err := a.engine.ListApprovals(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: approvalResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/approvals/{key}",
		Summary:     "Get one approval; unseen keys are pending",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := a.engine.GetApproval(ctx, input.SessionID, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(rec)}, nil
	})

	decide := func(approve bool) func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Key       string          `path:"key"`
		Body      DecisionRequest `json:"body" required:"false"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			SessionID string          `path:"session_id"`
			Key       string          `path:"key"`
			Body      DecisionRequest `json:"body" required:"false"`
		}) (*struct {
			Body DecisionResponse `json:"body"`
		}, error) {
			principal, err := a.require(ctx, config.PermApprovalDecide)
			if err != nil {
				return nil, handleError(err)
			}
			if _, ok := approval.ParseKey(input.Key); !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid approval key", map[string]any{"key": input.Key})
			}
			var res engine.DecisionResult
			if approve {
				res, err = a.engine.Approve(ctx, input.SessionID, input.Key, principal.ActorID, input.Body.Message)
			} else {
				res, err = a.engine.Reject(ctx, input.SessionID, input.Key, principal.ActorID, input.Body.Message)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body DecisionResponse `json:"body"`
			}{Body: DecisionResponse{Approval: approvalResponse(res.Approval), Changed: res.Changed}}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-budget",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approvals/{key}/approve",
		Summary:     "Approve a budget proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, decide(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-budget",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/approvals/{key}/reject",
		Summary:     "Reject a budget proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, decide(false))
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "List recent events of a session",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := a.require(ctx, config.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.engine.ListEvents(ctx, input.SessionID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (a *api) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(a.rbac.Permissions(principal.Principal)),
			Source:      principal.Source,
		}}, nil
	})
}

func (a *api) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(a.auth.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
