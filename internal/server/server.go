// Package server exposes the engine over HTTP for chat gateways and
// operator tooling.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"teampulse/internal/domain"
	"teampulse/internal/engine"
	"teampulse/internal/events"
	"teampulse/internal/repo"
	"teampulse/internal/resolver"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	DB       *sql.DB
	Keys     repo.Keys
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"blocker already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Teampulse API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Keys))
	hcfg := huma.DefaultConfig("Teampulse API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerActions(group, cfg.Engine)
	registerBlockers(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerTick(group, cfg.Engine)
	registerEvents(group, cfg.DB)
	registerDevAuth(group, cfg.Auth)

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

// handleError maps engine errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"missing": ve.Missing}
		if len(ve.Provided) > 0 {
			details["provided"] = ve.Provided
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var ne engine.NotFoundError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": ne.Kind})
	}
	var de engine.DuplicateActionError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "duplicate_action", err.Error(), nil)
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		details := map[string]any{"state": string(te.State)}
		if te.ClaimedBy != "" {
			details["claimed_by"] = te.ClaimedBy
		}
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
	}
	var ue engine.UpstreamUnavailableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "handle-action",
		Method:      http.MethodPost,
		Path:        "/actions",
		Summary:     "Handle a gateway gesture",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body ActionRequest
	}) (*struct {
		Body engine.ActionResult
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.HandleAction(ctx, engine.Action{
			Kind:            engine.ActionKind(input.Body.Kind),
			ActorID:         principal.ActorID,
			ActorName:       principal.ActorName,
			BlockerID:       input.Body.BlockerID,
			ReporterID:      input.Body.ReporterID,
			WorkItemRef:     input.Body.WorkItemRef,
			Description:     input.Body.Description,
			Urgency:         domain.Urgency(input.Body.Urgency),
			Notes:           input.Body.Notes,
			ResolutionNotes: input.Body.ResolutionNotes,
			Sprint:          input.Body.Sprint,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ActionResult
		}{Body: res}, nil
	})
}

func registerBlockers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-blockers",
		Method:      http.MethodGet,
		Path:        "/blockers",
		Summary:     "List blockers",
	}, func(ctx context.Context, input *struct {
		ReporterID string `query:"reporter_id"`
		WorkItemID string `query:"work_item_id"`
		State      string `query:"state" enum:",reported,escalated,claimed,resolved"`
		Open       bool   `query:"open"`
	}) (*struct {
		Body BlockerListResponse
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		blockers, err := e.ListBlockers(ctx, repo.BlockerFilters{
			ReporterID: input.ReporterID,
			WorkItemID: input.WorkItemID,
			State:      domain.BlockerState(input.State),
			OpenOnly:   input.Open,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockerListResponse
		}{Body: BlockerListResponse{Blockers: blockers, Count: len(blockers)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-blocker",
		Method:      http.MethodGet,
		Path:        "/blockers/{blocker_id}",
		Summary:     "Get one blocker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BlockerID string `path:"blocker_id"`
	}) (*struct {
		Body domain.Blocker
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBlocker(ctx, input.BlockerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Blocker
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-blocker",
		Method:        http.MethodPost,
		Path:          "/blockers",
		Summary:       "Report a blocker",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportRequest
	}) (*struct {
		Body engine.ReportResult
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Report(ctx, engine.ReportInput{
			ReporterID:   principal.ActorID,
			ReporterName: principal.ActorName,
			WorkItemRef:  input.Body.WorkItemRef,
			Description:  input.Body.Description,
			Urgency:      domain.Urgency(input.Body.Urgency),
			Notes:        input.Body.Notes,
			Sprint:       input.Body.Sprint,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReportResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-blocker",
		Method:      http.MethodPost,
		Path:        "/blockers/{blocker_id}/claim",
		Summary:     "Claim a blocker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BlockerID string `path:"blocker_id"`
	}) (*struct {
		Body domain.Blocker
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Claim(ctx, engine.ClaimInput{
			BlockerID: input.BlockerID,
			ActorID:   principal.ActorID,
			ActorName: principal.ActorName,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Blocker
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-blocker",
		Method:      http.MethodPost,
		Path:        "/blockers/resolve",
		Summary:     "Resolve a blocker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body ResolveRequest
	}) (*struct {
		Body engine.ResolveResult
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Resolve(ctx, engine.ResolveInput{
			BlockerID:       input.Body.BlockerID,
			ReporterID:      input.Body.ReporterID,
			WorkItemRef:     input.Body.WorkItemRef,
			Description:     input.Body.Description,
			ActorID:         principal.ActorID,
			ActorName:       principal.ActorName,
			ResolutionNotes: input.Body.ResolutionNotes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResolveResult
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reescalate-blocker",
		Method:      http.MethodPost,
		Path:        "/blockers/{blocker_id}/reescalate",
		Summary:     "Escalate a blocker again",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BlockerID string `path:"blocker_id"`
	}) (*struct {
		Body ReEscalateResponse
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, receipt, err := e.ReEscalate(ctx, engine.ReEscalateInput{
			BlockerID: input.BlockerID,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReEscalateResponse
		}{Body: ReEscalateResponse{Blocker: b, Receipt: receipt}}, nil
	})
}

func registerWorkItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-work-item",
		Method:      http.MethodGet,
		Path:        "/workitems/resolve",
		Summary:     "Resolve a free-text work-item reference",
	}, func(ctx context.Context, input *struct {
		Q string `query:"q" required:"true"`
	}) (*struct {
		Body WorkItemLookupResponse
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ref := e.Resolver.Resolve(ctx, input.Q)
		out := WorkItemLookupResponse{Resolution: ref}
		if !ref.Found {
			if best, ok := resolver.FindBestSimilar(input.Q, e.Resolver.Candidates(ctx)); ok {
				out.DidYouMean = &best
			}
		}
		return &struct {
			Body WorkItemLookupResponse
		}{Body: out}, nil
	})
}

func registerTick(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Run one follow-up pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickResponse
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		reminders, err := e.HandleTick(ctx, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse
		}{Body: TickResponse{Reminders: reminders, Count: len(reminders)}}, nil
	})
}

func registerEvents(api huma.API, db *sql.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body EventListResponse
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		evts, err := events.Latest(ctx, db, input.Limit, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse
		}{Body: EventListResponse{Events: evts, Count: len(evts)}}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body DevLoginResponse
	}, error) {
		if !cfg.AllowDevLogin || strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.ActorID,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
			Name: input.Body.ActorName,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
