// Package server exposes the marketplace over HTTP. Handlers are thin: they
// authenticate, decode, call one engine operation and map its sentinel errors
// onto the API error envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move applied to done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the uniform error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bidline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
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
	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Bidline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerActors(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerInteractions(group, cfg.Engine)
	registerReviews(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps engine sentinels onto HTTP statuses.
func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotCounterparty):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrAmountOutOfRange):
		return newAPIError(http.StatusBadRequest, "amount_out_of_range", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrConflictingRequest):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrEditWindowClosed):
		return newAPIError(http.StatusConflict, "edit_window_closed", err.Error(), nil)
	case errors.Is(err, engine.ErrExternalDependency):
		return newAPIError(http.StatusBadGateway, "upstream_failed", err.Error(), nil)
	default:
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "invalid") || strings.Contains(msg, "required") || strings.Contains(msg, "unknown") {
			return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateActorRequest `json:"body"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" || input.Body.Mobile == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name and mobile are required", nil)
		}
		opts := engine.ActorCreateOptions{
			Name:       input.Body.Name,
			Mobile:     input.Body.Mobile,
			IsHelper:   input.Body.IsHelper,
			FeeRate:    input.Body.FeeRate,
			ReferrerID: input.Body.ReferrerID,
			AreaIDs:    input.Body.AreaIDs,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		a, err := e.CreateActor(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(a)}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Draft mission",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		due, err := parseTimePtr(input.Body.DueAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "due_at must be RFC3339", nil)
		}
		opts := engine.MissionCreateOptions{
			CustomerID: actorID,
			TypeCode:   input.Body.TypeCode,
			Content:    input.Body.Content,
			AreaIDs:    input.Body.AreaIDs,
			AmountLow:  input.Body.AmountLow,
			AmountHigh: input.Body.AmountHigh,
			DueAt:      due,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		CustomerID string `query:"customer_id"`
		State      string `query:"state"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var items []domain.Mission
		var err error
		switch {
		case input.CustomerID != "":
			items, err = e.Repo.ListMissionsByCustomer(ctx, input.CustomerID)
		case input.State != "":
			items, err = e.Repo.ListMissionsByState(ctx, domain.State(input.State))
		default:
			items, err = e.Repo.ListMissions(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Mission with live projection",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionViewResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		v, err := e.ViewMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionViewResponse `json:"body"`
		}{Body: missionViewResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-timeline",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/timeline",
		Summary:     "Mission audit feed",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := e.Timeline(ctx, "mission", input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/request",
		Summary:     "Open bidding",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RequestMission(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-mission-bidding",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/close",
		Summary:     "Close the bidding window",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CloseBidding(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/cancel",
		Summary:     "Cancel mission before award",
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CancelMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CancelMission(ctx, input.ID, input.Body.Detail, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-mission",
		Method:        http.MethodPost,
		Path:          "/missions/{id}/assign",
		Summary:       "Offer the mission to one helper",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AssignMissionRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.HelperID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "helper_id is required", nil)
		}
		b, err := e.AssignBid(ctx, input.ID, input.Body.HelperID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/bids",
		Summary:       "Submit or refresh an offer",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body SubmitBidRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.MissionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mission_id is required", nil)
		}
		due, err := parseTimePtr(input.Body.DueAt)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "due_at must be RFC3339", nil)
		}
		opts := engine.BidSubmitOptions{
			MissionID: input.Body.MissionID,
			HelperID:  actorID,
			Amount:    input.Body.Amount,
			Message:   input.Body.Message,
			DueAt:     due,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		b, err := e.SubmitBid(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})

	bidAction := func(opID, pathSuffix, summary string, call func(ctx context.Context, bidID, actorID string) (domain.Bid, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/bids/{id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body BidResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			b, err := call(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body BidResponse `json:"body"`
			}{Body: bidResponse(b)}, nil
		})
	}

	bidAction("lock-bid", "lock", "Take the award lock", e.LockBid)
	bidAction("unlock-bid", "unlock", "Release the award lock", e.UnlockBid)
	bidAction("win-bid", "win", "Award the mission to this bid", e.WinBid)
	bidAction("cancel-bid", "cancel", "Withdraw the offer", e.CancelBidding)
	bidAction("finish-bid", "finish", "Settle a completed bid", e.Finish)
	bidAction("unfinish-bid", "unfinish", "Walk a settlement back", e.Unfinish)

	huma.Register(api, huma.Operation{
		OperationID: "unassign-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/unassign",
		Summary:     "Withdraw a directed offer",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Unassign(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-cancel-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/admin-cancel",
		Summary:     "Force-cancel a bid",
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AdminCancelRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.AdminCancel(ctx, input.ID, input.Body.Detail, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bid-timeline",
		Method:      http.MethodGet,
		Path:        "/bids/{id}/timeline",
		Summary:     "Bid audit feed",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := e.Timeline(ctx, "bid", input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerInteractions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-interaction",
		Method:        http.MethodPost,
		Path:          "/bids/{bid_id}/interactions",
		Summary:       "Open a two-party request",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		BidID string                   `path:"bid_id"`
		Body  CreateInteractionRequest `json:"body"`
	}) (*struct {
		Body InteractionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		i, err := e.CreateInteraction(ctx, input.BidID, domain.InteractionKind(input.Body.Kind), input.Body.Detail, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InteractionResponse `json:"body"`
		}{Body: interactionResponse(i)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-interactions",
		Method:      http.MethodGet,
		Path:        "/bids/{bid_id}/interactions",
		Summary:     "Interaction history",
	}, func(ctx context.Context, input *struct {
		BidID string `path:"bid_id"`
	}) (*struct {
		Body []InteractionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInteractions(ctx, input.BidID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InteractionResponse `json:"body"`
		}{Body: mapInteractions(items)}, nil
	})

	action := func(opID, pathSuffix, summary string, call func(ctx context.Context, id, actorID string) (domain.Interaction, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/interactions/{id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body InteractionResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			i, err := call(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body InteractionResponse `json:"body"`
			}{Body: interactionResponse(i)}, nil
		})
	}

	action("accept-interaction", "accept", "Accept the request", e.AcceptInteraction)
	action("reject-interaction", "reject", "Reject the request", e.RejectInteraction)
	action("cancel-interaction", "cancel", "Withdraw the request", e.CancelInteraction)
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/bids/{bid_id}/reviews",
		Summary:       "Rate a completed bid",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		BidID string              `path:"bid_id"`
		Body  CreateReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateReview(ctx, engine.ReviewOptions{
			BidID:   input.BidID,
			Stars:   input.Body.Stars,
			Content: input.Body.Content,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/bids/{bid_id}/reviews",
		Summary:     "Reviews for a bid",
	}, func(ctx context.Context, input *struct {
		BidID string `path:"bid_id"`
	}) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListReviews(ctx, input.BidID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: mapReviews(items)}, nil
	})
}
