package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/model"
)

const (
	headerIdempotencyKey   = "X-Idempotency-Key"
	headerIdempotentReplay = "X-Idempotent-Replay"

	maxAdvanceBodyBytes = 64 << 10
)

// OpportunityReader serves the read side of the opportunity API.
type OpportunityReader interface {
	Prompt(ctx context.Context, rctx *model.RequestContext, opportunityID string) (pipeline.PromptView, error)
	Activities(ctx context.Context, rctx *model.RequestContext, opportunityID string, limit int) ([]model.Activity, error)
	Stages(ctx context.Context, rctx *model.RequestContext, pipelineID string) ([]pipeline.StageView, error)
}

// KeyedAdvancer advances an opportunity, deduplicating on an optional
// client-supplied key. It is implemented by idempotency.Guard.
type KeyedAdvancer interface {
	Advance(ctx context.Context, rctx *model.RequestContext, key string, req pipeline.AdvanceRequest) (pipeline.AdvanceResult, bool, error)
}

// advanceBody is the JSON payload of POST /api/opportunities/{id}/advance.
type advanceBody struct {
	Note    string `json:"note"`
	DueDate string `json:"due_date,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// activitiesResponse wraps the activity list.
type activitiesResponse struct {
	Items []model.Activity `json:"items"`
}

// stagesResponse wraps the stage catalog rows.
type stagesResponse struct {
	Items []pipeline.StageView `json:"items"`
}

func handleNextStep(svc OpportunityReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := svc.Prompt(r.Context(), rctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleAdvance(adv KeyedAdvancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body advanceBody
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdvanceBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				writeError(w, r, model.NewBadRequestError("request body is required"))
				return
			}
			writeError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		dueDate, err := parseDueDate(body.DueDate, rctx.Location())
		if err != nil {
			writeError(w, r, model.NewValidationError([]model.FieldError{{
				Field:   "due_date",
				Code:    "INVALID_DATE",
				Message: "due_date must be a date (YYYY-MM-DD) or an RFC 3339 timestamp",
			}}))
			return
		}

		req := pipeline.AdvanceRequest{
			OpportunityID: chi.URLParam(r, "id"),
			Note:          body.Note,
			DueDate:       dueDate,
			Outcome:       body.Outcome,
		}
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))

		result, replayed, err := adv.Advance(r.Context(), rctx, key, req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(observability.AttrIdempotent.Bool(replayed))
		observability.OpportunityLogger(r.Context(), zap.NewNop(), req.OpportunityID).Debug("advance served",
			zap.String("to_stage", string(result.To)),
			zap.Bool("replayed", replayed),
		)
		if replayed {
			w.Header().Set(headerIdempotentReplay, "true")
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleActivities(svc OpportunityReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, model.NewBadRequestError("limit must be a positive integer"))
				return
			}
			limit = n
		}

		items, err := svc.Activities(r.Context(), rctx, chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []model.Activity{}
		}
		WriteJSON(w, http.StatusOK, activitiesResponse{Items: items})
	}
}

func handleStages(svc OpportunityReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		items, err := svc.Stages(r.Context(), rctx, chi.URLParam(r, "pipelineId"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []pipeline.StageView{}
		}
		WriteJSON(w, http.StatusOK, stagesResponse{Items: items})
	}
}

// parseDueDate accepts a calendar date (YYYY-MM-DD), interpreted in the
// user's timezone, or a full RFC 3339 timestamp. Empty input yields nil so
// the due date column is left untouched.
func parseDueDate(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if d, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return &d, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
