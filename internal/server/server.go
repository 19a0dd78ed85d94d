package server

import (
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

	"qube/internal/domain"
	"qube/internal/engine"
	"qube/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"status_conflict"`
	Message string         `json:"message" example:"status changed by concurrent writer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Qube API. The on-chain event
// webhook is mounted outside the authenticated base path.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Qube API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerWebhook(router, cfg.Engine)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTaskActions(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerErrorLogs(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStatusConflict) {
		return newAPIError(http.StatusConflict, "status_conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already requested"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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
		return "invalid_transition"
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
    <title>Qube API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = wallet
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Name:               input.Body.Name,
			Owner:              owner,
			SubmissionDeadline: input.Body.SubmissionDeadline,
			PaymentDeadline:    input.Body.PaymentDeadline,
		})
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
		items, err := e.Repo.ListProjects(ctx)
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
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-escrow",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/escrow",
		Summary:     "Get project escrow state",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body EscrowResponse `json:"body"`
	}, error) {
		// Resolve locally first so an unknown project is a 404, not a
		// relayer round trip.
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		details, err := e.Ledger.ProjectDetails(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowResponse `json:"body"`
		}{Body: escrowResponse(details)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-project-member",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/members",
		Summary:     "Assign project member",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AssignMemberRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Wallet == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "wallet is required", nil)
		}
		p, err := e.AssignMember(ctx, input.ProjectID, input.Body.Wallet, wallet)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:          input.ProjectID,
			Title:              input.Body.Title,
			Details:            input.Body.Details,
			HashedTaskID:       input.Body.HashedTaskID,
			TokenAddress:       input.Body.TokenAddress,
			RewardAmount:       input.Body.RewardAmount,
			SubmissionDeadline: input.Body.SubmissionDeadline,
			ReviewDeadline:     input.Body.ReviewDeadline,
			PaymentDeadline:    input.Body.PaymentDeadline,
			ActorID:            wallet,
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
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Recipient string `query:"recipient"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Recipient: input.Recipient,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

// registerTaskActions wires the lifecycle verbs. Every action is a guarded
// transition; a lost race against a sweep or another caller comes back as
// 409 status_conflict.
func registerTaskActions(api huma.API, e engine.Engine) {
	type taskPath struct {
		ID string `path:"id"`
	}
	type taskOut struct {
		Body TaskResponse `json:"body"`
	}
	actionErrors := []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}
	action := func(id, path, summary string, run func(ctx context.Context, taskID, wallet string) (TaskResponse, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        path,
			Summary:     summary,
			Errors:      actionErrors,
		}, func(ctx context.Context, input *taskPath) (*taskOut, error) {
			wallet, authErr := walletFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			resp, err := run(ctx, input.ID, wallet)
			if err != nil {
				return nil, handleError(err)
			}
			return &taskOut{Body: resp}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "sign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/sign",
		Summary:     "Sign task",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SignTaskRequest `json:"body"`
	}) (*taskOut, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recipient := input.Body.Recipient
		if recipient == "" {
			recipient = wallet
		}
		t, err := e.SignTask(ctx, input.ID, recipient)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOut{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/submit",
		Summary:     "Submit task deliverables",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SubmitTaskRequest `json:"body"`
	}) (*taskOut, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		deliverables := ""
		if input.Body.Deliverables != nil {
			data, err := json.Marshal(input.Body.Deliverables)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid deliverables", nil)
			}
			deliverables = string(data)
		}
		t, err := e.SubmitTask(ctx, input.ID, deliverables)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOut{Body: taskResponse(t)}, nil
	})

	action("approve-task", "/tasks/{id}/approve", "Approve submission", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.ApproveTask(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("request-task-deletion", "/tasks/{id}/deletion/request", "Request task deletion", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.RequestDeletion(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("reject-task-deletion", "/tasks/{id}/deletion/reject", "Reject task deletion", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.RejectDeletion(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("request-deadline-extension", "/tasks/{id}/extension/request", "Request deadline extension", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.RequestExtension(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("approve-deadline-extension", "/tasks/{id}/extension/approve", "Approve deadline extension", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.ApproveExtension(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("reject-deadline-extension", "/tasks/{id}/extension/reject", "Reject deadline extension", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.RejectExtension(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("disapprove-task", "/tasks/{id}/disapprove", "Disapprove and lock reward", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.DisapproveTask(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("complete-task-without-submission", "/tasks/{id}/complete-without-submission", "Complete without submission", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.CompleteWithoutSubmission(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("complete-task-without-review", "/tasks/{id}/complete-without-review", "Complete without review", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.CompleteWithoutReview(ctx, taskID, wallet)
		return taskResponse(t), err
	})
	action("force-task-payment", "/tasks/{id}/force-payment", "Force payment after overdue", func(ctx context.Context, taskID, wallet string) (TaskResponse, error) {
		t, err := e.ForcePayment(ctx, taskID, wallet)
		return taskResponse(t), err
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-task-deletion",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/deletion/confirm",
		Summary:     "Confirm task deletion",
		Errors:      actionErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ConfirmDeletion(ctx, input.ID, wallet); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-user",
		Method:        http.MethodPut,
		Path:          "/users",
		Summary:       "Register or update user",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body UpsertUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUser(ctx, userFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{wallet}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Wallet string `path:"wallet"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.Repo.GetUser(ctx, input.Wallet)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]UserResponse, 0, len(items))
		for _, u := range items {
			res = append(res, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerErrorLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-error-logs",
		Method:      http.MethodGet,
		Path:        "/errorlogs",
		Summary:     "List error logs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []ErrorLogResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListErrorLogs(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ErrorLogResponse, 0, len(items))
		for _, item := range items {
			res = append(res, errorLogResponse(item))
		}
		return &struct {
			Body []ErrorLogResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, item := range items {
			res = append(res, eventResponse(item))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func userFromRequest(req UpsertUserRequest) domain.User {
	return domain.User{
		WalletAddress: req.WalletAddress,
		Username:      req.Username,
		Email:         req.Email,
		UserType:      req.UserType,
		ImageURL:      req.ImageURL,
		ReputationIDs: req.ReputationIDs,
	}
}
