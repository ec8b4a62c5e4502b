package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"worktab/internal/engine"
	"worktab/internal/payroll"
	"worktab/internal/repo"
)

// Config for the HTTP API handler. The API is the surface a chat
// transport (or an operator) calls into; the transport supplies stable
// message refs and sender ids, the ledger supplies the semantics.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_quantity"`
	Message string         `json:"message" example:"no quantity found in request 42"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the worktab API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Worktab API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInboundEvents(group, cfg.Engine)
	registerReport(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
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

// handleError maps ledger errors to the envelope. Role failures stay
// terse; duplicate completions surface as 404 because they are
// expected traffic, not faults.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var nq engine.NoQuantityError
	if errors.As(err, &nq) {
		return newAPIError(http.StatusUnprocessableEntity, "no_quantity", err.Error(), map[string]any{"text": nq.Text})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConfirmRequired) {
		return newAPIError(http.StatusConflict, "confirm_required", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "cannot demote") || strings.Contains(lowered, "cannot remove"):
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

// callerID resolves the acting user: an explicit caller_id wins,
// otherwise the authenticated principal acts for itself.
func callerID(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID
	}
	return ""
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

func registerInboundEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "inbound-request",
		Method:        http.MethodPost,
		Path:          "/events/request",
		Summary:       "Record an inbound work request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RequestEvent `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if input.Body.MessageRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message_ref is required", nil)
		}
		o, err := e.CreateOrder(ctx, input.Body.SenderID, input.Body.MessageRef, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbound-completion",
		Method:      http.MethodPost,
		Path:        "/events/completion",
		Summary:     "Record a completion reply",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CompletionEvent `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if input.Body.ReplyToMessageRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reply_to_message_ref is required", nil)
		}
		o, err := e.CompleteOrder(ctx, input.Body.ReplyToMessageRef, input.Body.SenderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerReport(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report",
		Method:      http.MethodGet,
		Path:        "/report",
		Summary:     "Payroll report over a date range",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		CallerID string `query:"caller_id"`
		Start    string `query:"start"`
		End      string `query:"end"`
		WorkerID string `query:"worker_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, err := e.Report(ctx, callerID(ctx, input.CallerID), input.Start, input.End, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkerResponse, 0, len(items))
		for _, w := range items {
			res = append(res, workerResponse(w))
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register or update a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AddWorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		rate, err := payroll.ParseRate(input.Body.Rate)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		w, err := e.AddWorker(ctx, callerID(ctx, input.Body.CallerID), input.Body.ID, input.Body.Name, rate, input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-worker",
		Method:      http.MethodDelete,
		Path:        "/workers/{id}",
		Summary:     "Remove a worker",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		CallerID string `query:"caller_id"`
	}) (*struct{}, error) {
		if err := e.RemoveWorker(ctx, callerID(ctx, input.CallerID), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rate",
		Method:      http.MethodPut,
		Path:        "/workers/{id}/rate",
		Summary:     "Set a worker's wage rate",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SetRateRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		rate, err := payroll.ParseRate(input.Body.Rate)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		w, err := e.SetRate(ctx, callerID(ctx, input.Body.CallerID), input.ID, rate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-worker",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/promote",
		Summary:     "Grant admin to a worker",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RoleChangeRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		w, err := e.Promote(ctx, callerID(ctx, input.Body.CallerID), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "demote-worker",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/demote",
		Summary:     "Revoke admin from a worker",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RoleChangeRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		w, err := e.Demote(ctx, callerID(ctx, input.Body.CallerID), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,completed,"`
		WorkerID string `query:"worker_id"`
	}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrders(ctx, repo.OrderFilter{Status: input.Status, WorkerID: input.WorkerID})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]OrderResponse, 0, len(items))
		for _, o := range items {
			res = append(res, orderResponse(o))
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-paid",
		Method:      http.MethodPost,
		Path:        "/orders/paid",
		Summary:     "Archive completed unpaid orders as paid",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body MarkPaidRequest `json:"body"`
	}) (*struct {
		Body PaidSummaryResponse `json:"body"`
	}, error) {
		summary, err := e.MarkPaid(ctx, callerID(ctx, input.Body.CallerID), input.Body.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaidSummaryResponse `json:"body"`
		}{Body: PaidSummaryResponse(summary)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-reset",
		Method:      http.MethodPost,
		Path:        "/ledger/reset",
		Summary:     "Discard orders (owner only, requires confirmed=true)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ResetRequest `json:"body"`
	}) (*struct {
		Body ResetResponse `json:"body"`
	}, error) {
		scope := input.Body.Scope
		if scope == "" {
			scope = engine.ResetUnpaid
		}
		removed, err := e.Reset(ctx, callerID(ctx, input.Body.CallerID), scope, input.Body.Confirmed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResetResponse `json:"body"`
		}{Body: ResetResponse{Scope: scope, Removed: removed}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
