// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the opportunity API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

var statusByCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusConflict,
	model.ErrOpportunityClosed:  http.StatusConflict,
	model.ErrOutcomeRequired:    http.StatusUnprocessableEntity,
	model.ErrUpdateFailed:       http.StatusBadGateway,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// StatusFor maps an error envelope code to its HTTP status. Unknown codes
// are 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError answers with the first ErrorEnvelope in err's chain. Anything
// else becomes a bare INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, nil, err)
}

// writeError is WriteError for a live request: the envelope gains the
// active trace id, and errors with no envelope are logged before being
// masked.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	src, ok := model.AsEnvelope(err)
	if !ok {
		if r != nil {
			observability.RequestLogger(r.Context(), zap.NewNop()).Error("unclassified handler error", zap.Error(err))
		}
		src = model.NewInternalError()
	}

	ee := *src
	if r != nil && ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: &ee})
}
