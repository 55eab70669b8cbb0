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

	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/engine/perm"
	"flowboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"transition new -> done not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"to_stage_id\":\"done\"}"`
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

// New returns an HTTP handler exposing the Flowboard API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Flowboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProcesses(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerFields(group, cfg.Engine)
	registerTickets(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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
	var te *engine.TransitionError
	if errors.As(err, &te) {
		details := map[string]any{
			"ticket_id":     te.TicketID,
			"from_stage_id": te.FromStageID,
			"to_stage_id":   te.ToStageID,
		}
		status := http.StatusUnprocessableEntity
		if te.Kind == engine.KindPermissionDenied {
			status = http.StatusForbidden
			if te.Missing != nil {
				details["resource"] = te.Missing.Resource
				details["action"] = te.Missing.Action
			}
		}
		return newAPIError(status, te.Kind, te.Error(), details)
	}
	var de perm.DeniedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"resource": de.Resource, "action": de.Action})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// requireAdmin gates board management endpoints on the board.admin
// permission at global scope.
func requireAdmin(ctx context.Context, e engine.Engine) error {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	d, err := e.CheckPermission(ctx, userID, perm.Query{Resource: "board", Action: "admin"})
	if err != nil {
		return err
	}
	if !d.Allow {
		return perm.DeniedError{Resource: "board", Action: "admin"}
	}
	return nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Flowboard API Docs</title>
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

func registerProcesses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Create process",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProcessRequest `json:"body"`
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProcessCreateOptions{
			Name:            input.Body.Name,
			Color:           input.Body.Color,
			Icon:            input.Body.Icon,
			DefaultPriority: input.Body.DefaultPriority,
			AutoAssign:      input.Body.AutoAssign,
			DueDatePolicy:   input.Body.DueDatePolicy,
			ActorID:         userID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreateProcess(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Process `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProcesses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Process `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}",
		Summary:     "Get process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body domain.Process `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProcess(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Process `json:"body"`
		}{Body: p}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/processes/{process_id}/stages",
		Summary:       "Create stage",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProcessID string             `path:"process_id"`
		Body      CreateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StageCreateOptions{
			ProcessID:          input.ProcessID,
			Name:               input.Body.Name,
			Position:           input.Body.Position,
			IsInitial:          input.Body.IsInitial,
			IsFinal:            input.Body.IsFinal,
			SLAHours:           input.Body.SLAHours,
			AllowedTransitions: input.Body.AllowedTransitions,
			RequiredPerms:      input.Body.RequiredPerms,
			ActorID:            userID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.CreateStage(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/stages",
		Summary:     "List stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProcess(ctx, input.ProcessID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStages(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-stage-transition",
		Method:        http.MethodPut,
		Path:          "/stages/{stage_id}/transitions/{to_stage_id}",
		Summary:       "Allow a transition",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StageID   string `path:"stage_id"`
		ToStageID string `path:"to_stage_id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.AddTransition(ctx, input.StageID, input.ToStageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-stage-transition",
		Method:        http.MethodDelete,
		Path:          "/stages/{stage_id}/transitions/{to_stage_id}",
		Summary:       "Disallow a transition",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StageID   string `path:"stage_id"`
		ToStageID string `path:"to_stage_id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveTransition(ctx, input.StageID, input.ToStageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stage-tickets",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/stages/{stage_id}/tickets",
		Summary:     "List tickets in a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		StageID   string `path:"stage_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Offset    int    `query:"offset" default:"0" minimum:"0"`
	}) (*struct {
		Body StageBucketResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		bucket, err := e.ListStage(ctx, input.ProcessID, input.StageID, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageBucketResponse `json:"body"`
		}{Body: bucketResponse(bucket)}, nil
	})
}

func registerFields(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-field",
		Method:        http.MethodPost,
		Path:          "/processes/{process_id}/fields",
		Summary:       "Create field",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProcessID string             `path:"process_id"`
		Body      CreateFieldRequest `json:"body"`
	}) (*struct {
		Body domain.Field `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		f := domain.Field{ProcessID: input.ProcessID, Name: input.Body.Name, Kind: input.Body.Kind}
		if input.Body.ID != nil {
			f.ID = *input.Body.ID
		}
		created, err := e.CreateField(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Field `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fields",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/fields",
		Summary:     "List fields",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []domain.Field `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProcess(ctx, input.ProcessID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFields(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Field `json:"body"`
		}{Body: items}, nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/processes/{process_id}/tickets",
		Summary:       "Create ticket",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProcessID string              `path:"process_id"`
		Body      CreateTicketRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TicketCreateOptions{
			ProcessID:   input.ProcessID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			AssignedTo:  input.Body.AssignedTo,
			Priority:    input.Body.Priority,
			DueDate:     input.Body.DueDate,
			Fields:      input.Body.Fields,
			ActorID:     userID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.StageID != nil {
			opts.StageID = *input.Body.StageID
		}
		t, err := e.CreateTicket(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/move",
		Summary:     "Move ticket to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TicketID string            `path:"ticket_id"`
		Body     MoveTicketRequest `json:"body"`
	}) (*struct {
		Body MoveTicketResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TargetStageID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_stage_id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Move(ctx, engine.MoveOptions{
			TicketID:      input.TicketID,
			TargetStageID: input.Body.TargetStageID,
			ActorID:       userID,
			Comment:       input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MoveTicketResponse `json:"body"`
		}{Body: moveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-transition",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/validate",
		Summary:     "Probe whether a move would be allowed",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID      string `path:"ticket_id"`
		TargetStageID string `query:"target_stage_id" required:"true"`
	}) (*struct {
		Body ValidateTransitionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTicket(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		advisory, err := e.ValidateTransition(ctx, t, input.TargetStageID, userID)
		if err != nil {
			var te *engine.TransitionError
			if errors.As(err, &te) {
				return &struct {
					Body ValidateTransitionResponse `json:"body"`
				}{Body: ValidateTransitionResponse{Allowed: false, Reason: te.Kind, Message: te.Error()}}, nil
			}
			return nil, handleError(err)
		}
		resp := ValidateTransitionResponse{Allowed: true}
		if advisory != nil {
			resp.Advisories = append(resp.Advisories, advisory.Error())
		}
		return &struct {
			Body ValidateTransitionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-ticket-field",
		Method:        http.MethodPut,
		Path:          "/tickets/{ticket_id}/fields/{field_id}",
		Summary:       "Set a field value",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TicketID string               `path:"ticket_id"`
		FieldID  string               `path:"field_id"`
		Body     SetFieldValueRequest `json:"body"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetTicketField(ctx, input.TicketID, input.FieldID, input.Body.Value, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ticket-activities",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/activities",
		Summary:     "List ticket activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTicket(ctx, input.TicketID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActivities(ctx, input.TicketID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ticket-actions",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/actions",
		Summary:     "List automation action requests for a ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TicketID string `path:"ticket_id"`
	}) (*struct {
		Body []domain.ActionRequest `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetTicket(ctx, input.TicketID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActionRequests(ctx, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionRequest `json:"body"`
		}{Body: items}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/processes/{process_id}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProcessID string            `path:"process_id"`
		Body      CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		rule := domain.AutomationRule{
			ProcessID:      input.ProcessID,
			Name:           input.Body.Name,
			TriggerEvent:   input.Body.TriggerEvent,
			TriggerStageID: input.Body.TriggerStageID,
			Conditions:     input.Body.Conditions,
			Actions:        input.Body.Actions,
		}
		if input.Body.ID != nil {
			rule.ID = *input.Body.ID
		}
		created, err := e.CreateRule(ctx, rule)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProcess(ctx, input.ProcessID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRules(ctx, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-rule-active",
		Method:        http.MethodPut,
		Path:          "/rules/{rule_id}/active",
		Summary:       "Enable or disable a rule",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
		Body   struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetRuleActive(ctx, input.RuleID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-grant",
		Method:        http.MethodPost,
		Path:          "/grants",
		Summary:       "Issue a direct grant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGrantRequest `json:"body"`
	}) (*struct {
		Body domain.DirectGrant `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		g, err := e.GrantDirect(ctx, domain.DirectGrant{
			UserID:    input.Body.UserID,
			Resource:  input.Body.Resource,
			Action:    input.Body.Action,
			ProcessID: input.Body.ProcessID,
			StageID:   input.Body.StageID,
			ExpiresAt: input.Body.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DirectGrant `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-grant",
		Method:        http.MethodDelete,
		Path:          "/grants/{grant_id}",
		Summary:       "Revoke a direct grant",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		GrantID string `path:"grant_id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeDirect(ctx, input.GrantID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/roles",
		Summary:       "Assign a role",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		Body   AssignRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role_id is required", nil)
		}
		if err := e.AssignRole(ctx, input.UserID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/users/{user_id}/roles/{role_id}",
		Summary:       "Revoke a role",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		RoleID string `path:"role_id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.UserID, input.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodGet,
		Path:        "/permissions/check",
		Summary:     "Resolve a permission for a user",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID    string `query:"user_id"`
		Resource  string `query:"resource" required:"true"`
		Action    string `query:"action" required:"true"`
		ProcessID string `query:"process_id"`
		StageID   string `query:"stage_id"`
	}) (*struct {
		Body PermissionCheckResponse `json:"body"`
	}, error) {
		caller, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.UserID
		if target == "" {
			target = caller
		}
		if target != caller {
			if err := requireAdmin(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		d, err := e.CheckPermission(ctx, target, perm.Query{
			Resource:  input.Resource,
			Action:    input.Action,
			ProcessID: input.ProcessID,
			StageID:   input.StageID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionCheckResponse `json:"body"`
		}{Body: PermissionCheckResponse{Allow: d.Allow, Source: d.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		key, plaintext, err := e.CreateAPIKey(ctx, input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles, err := e.Repo.UserRoles(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.GetUser(ctx, p.UserID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{UserID: p.UserID, Roles: roles, Admin: u.IsAdmin, Source: p.Source}}, nil
	})
}
