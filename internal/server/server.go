package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/repo"
	"reviewline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *workflow.Engine
	Portal   *config.Config
	BasePath string
	Auth     AuthConfig
}

// apiError is the wire error body: a stable machine-readable kind plus a
// human message, matching the workflow error taxonomy one-to-one.
type apiError struct {
	status    int
	ErrorKind string         `json:"error_kind" example:"stale_state_conflict"`
	Message   string         `json:"message" example:"proposal p1 is at version 4, caller expected 3"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Reviewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerAIVerdict(group, cfg.Engine, cfg.Portal)
	registerExperts(group, cfg.Engine)
	registerClarifications(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Portal)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:    status,
		ErrorKind: code,
		Message:   message,
		Details:   details,
	}
}

// handleError maps workflow errors to the wire envelope. Typed errors carry
// their own stable kind; everything else degrades by message shape.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var kinder workflow.Kinder
	if errors.As(err, &kinder) {
		return newAPIError(statusForKind(kinder.ErrorKind()), kinder.ErrorKind(), err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, workflow.ErrResubmissionSourceNotRejected) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func statusForKind(kind string) int {
	switch kind {
	case workflow.KindIllegalTransition,
		workflow.KindExpertStageIncomplete,
		workflow.KindRoundLimitExceeded:
		return http.StatusUnprocessableEntity
	case workflow.KindUnauthorized:
		return http.StatusForbidden
	case workflow.KindStaleStateConflict,
		workflow.KindOpenClarificationBlocksAdvance,
		workflow.KindDuplicateAssignment,
		workflow.KindClarificationAlreadyOpen:
		return http.StatusConflict
	case workflow.KindUnknownAssignment:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
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

func actorFromPrincipal(p Principal) workflow.Actor {
	return workflow.Actor{ID: p.ActorID, Roles: p.Roles}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
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

func registerProposals(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create proposal draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		investigator := principal.ActorID
		if input.Body.InvestigatorID != nil && *input.Body.InvestigatorID != "" && *input.Body.InvestigatorID != principal.ActorID {
			if !hasRole(principal.Roles, workflow.RoleAdmin) {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "only admins may create proposals for another investigator", nil)
			}
			investigator = *input.Body.InvestigatorID
		}
		opts := workflow.CreateProposalOptions{
			Title:          input.Body.Title,
			InvestigatorID: investigator,
			Actor:          actorFromPrincipal(principal),
		}
		if input.Body.ResubmissionOf != nil {
			opts.ResubmissionOf = *input.Body.ResubmissionOf
		}
		p, err := e.CreateProposal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status"`
		InvestigatorID string `query:"investigator_id"`
		Limit          int    `query:"limit"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body ProposalListResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Status != "" {
			if _, err := workflow.ParseStatus(input.Status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		filters := repo.ProposalFilters{
			Status:         input.Status,
			InvestigatorID: input.InvestigatorID,
			Limit:          limit,
		}
		if input.Cursor != "" {
			createdAt, id, err := decodeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListProposals(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProposalListResponse{Items: mapProposals(items)}
		if len(items) == limit {
			last := items[len(items)-1]
			resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body ProposalListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal with timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalDetailResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetProposalView(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalDetailResponse `json:"body"`
		}{Body: ProposalDetailResponse{
			ProposalResponse: proposalResponse(view.Proposal),
			Timeline:         mapTimeline(view.Timeline),
			Assignments:      mapAssignments(view.Assignments),
			Clarifications:   mapClarifications(view.Clarifications),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "track-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/track",
		Summary:     "Milestone progress and timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body TrackResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetProposalView(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackResponse `json:"body"`
		}{Body: TrackResponse{
			ProposalID: view.Proposal.ID,
			Status:     view.Proposal.Status,
			Completed:  view.Milestones.Completed,
			Total:      view.Milestones.Total,
			Stages:     mapStages(view.Milestones.Stages),
			Timeline:   mapTimeline(view.Timeline),
		}}, nil
	})
}

func registerTransitions(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-transition",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/transitions",
		Summary:     "Advance or reject a proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string            `path:"proposal_id"`
		Body       TransitionRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind := workflow.Kind(input.Body.Kind)
		if kind != workflow.KindAdvance && kind != workflow.KindReject {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind must be advance or reject", nil)
		}
		var target workflow.Status
		if input.Body.Target != "" {
			parsed, err := workflow.ParseStatus(input.Body.Target)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			target = parsed
		}
		expected := workflow.CurrentVersion
		if input.Body.ExpectedVersion != nil {
			expected = *input.Body.ExpectedVersion
		}
		p, err := e.ApplyTransition(ctx, workflow.TransitionOptions{
			ProposalID:      input.ProposalID,
			Actor:           actorFromPrincipal(principal),
			Kind:            kind,
			Target:          target,
			ExpectedVersion: expected,
			Note:            input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerAIVerdict(api huma.API, e *workflow.Engine, portal *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "record-ai-verdict",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/ai-verdict",
		Summary:     "Record the external screener's verdict",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID     string           `path:"proposal_id"`
		ScreenerSecret string           `header:"X-Screener-Secret"`
		Body           AIVerdictRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		secret := ""
		if portal != nil {
			secret = portal.Screener.Secret
		}
		if secret == "" {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "screener secret not configured", nil)
		}
		if subtle.ConstantTimeCompare([]byte(input.ScreenerSecret), []byte(secret)) != 1 {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "invalid screener secret", nil)
		}
		p, err := e.RecordAIVerdict(ctx, input.ProposalID, domain.AIVerdict{Passed: input.Body.Passed, Notes: input.Body.Notes})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerExperts(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-expert",
		Method:        http.MethodPost,
		Path:          "/proposals/{proposal_id}/experts",
		Summary:       "Assign an expert reviewer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string              `path:"proposal_id"`
		Body       AssignExpertRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignExpert(ctx, input.ProposalID, actorFromPrincipal(principal), input.Body.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experts",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/experts",
		Summary:     "List expert assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProposal(ctx, input.ProposalID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-expert",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/experts/reassign",
		Summary:     "Replace an expert reviewer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       ReassignExpertRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ReassignExpert(ctx, input.ProposalID, actorFromPrincipal(principal), input.Body.FromReviewerID, input.Body.ReviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-expert-review",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/experts/start",
		Summary:     "Start own expert review",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct{}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.StartExpertReview(ctx, input.ProposalID, actorFromPrincipal(principal)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-expert-report",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/experts/report",
		Summary:     "Record own expert report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string              `path:"proposal_id"`
		Body       ExpertReportRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RecordExpertReport(ctx, input.ProposalID, actorFromPrincipal(principal), input.Body.ReportRef); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-expert-stage",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/experts/skip",
		Summary:     "Skip the expert stage",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                 `path:"proposal_id"`
		Body       SkipExpertStageRequest `json:"body,omitempty"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expected := workflow.CurrentVersion
		if input.Body.ExpectedVersion != nil {
			expected = *input.Body.ExpectedVersion
		}
		p, err := e.SkipExpertStage(ctx, input.ProposalID, actorFromPrincipal(principal), expected)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerClarifications(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-clarification",
		Method:        http.MethodPost,
		Path:          "/proposals/{proposal_id}/clarifications",
		Summary:       "Open a clarification round",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                   `path:"proposal_id"`
		Body       ClarificationRequestBody `json:"body"`
	}) (*struct {
		Body ClarificationResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RequestClarification(ctx, input.ProposalID, actorFromPrincipal(principal), input.Body.Question)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClarificationResponse `json:"body"`
		}{Body: clarificationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-clarification",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/clarifications/respond",
		Summary:     "Answer the open clarification round",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                    `path:"proposal_id"`
		Body       ClarificationResponseBody `json:"body"`
	}) (*struct {
		Body ClarificationResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RespondClarification(ctx, input.ProposalID, actorFromPrincipal(principal), input.Body.Response)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClarificationResponse `json:"body"`
		}{Body: clarificationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clarifications",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/clarifications",
		Summary:     "List clarification rounds",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body []ClarificationResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProposal(ctx, input.ProposalID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListClarifications(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ClarificationResponse `json:"body"`
		}{Body: mapClarifications(items)}, nil
	})
}

func registerRoles(api huma.API, e *workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body GrantRoleRequest `json:"body"`
	}) (*struct {
		Body RoleGrantResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !hasRole(principal.Roles, workflow.RoleAdmin) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if err := e.Repo.GrantRole(ctx, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleGrantResponse `json:"body"`
		}{Body: RoleGrantResponse{ActorID: input.Body.ActorID, Role: input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-role-grants",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List role grants",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []RoleGrantResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !hasRole(principal.Roles, workflow.RoleAdmin) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		grants, err := e.Repo.ListRoleGrants(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RoleGrantResponse, 0, len(grants))
		for _, g := range grants {
			res = append(res, RoleGrantResponse{ActorID: g.ActorID, Role: g.Role, CreatedAt: g.CreatedAt})
		}
		return &struct {
			Body []RoleGrantResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{actor_id}/{role}",
		Summary:     "Revoke a role grant",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Role    string `path:"role"`
	}) (*struct{}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !hasRole(principal.Roles, workflow.RoleAdmin) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		if err := e.Repo.RevokeRole(ctx, input.ActorID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id": principal.ActorID,
			"roles":    principal.Roles,
			"source":   principal.Source,
		}}, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
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
			if route == healthPath || strings.HasSuffix(route, "/ai-verdict") {
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
    <title>Reviewline API Docs</title>
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
