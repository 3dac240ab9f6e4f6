package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]int{"probability": 20})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"probability":20}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "envelope",
			err:         model.NewNotFoundError("opportunity not found"),
			wantStatus:  http.StatusNotFound,
			wantCode:    model.ErrNotFound,
			wantMessage: "opportunity not found",
		},
		{
			name:        "wrapped envelope hides the cause",
			err:         fmt.Errorf("stage update: %w: %w", model.NewUpdateFailedError("could not move stage"), errors.New("pg: connection reset")),
			wantStatus:  http.StatusBadGateway,
			wantCode:    model.ErrUpdateFailed,
			wantMessage: "could not move stage",
		},
		{
			name:       "plain error is masked",
			err:        errors.New("nil map write in resolver"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   model.ErrInternalError,
		},
		{
			name: "validation details survive",
			err: model.NewValidationError([]model.FieldError{
				{Field: "note", Code: "REQUIRED", Message: "note is required"},
			}),
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   model.ErrValidationError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			require.Equal(t, tt.wantStatus, w.Code)
			env := decodeError(t, w)
			assert.Equal(t, tt.wantCode, env.Code)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, env.Message)
			}
			assert.NotContains(t, w.Body.String(), "pg: connection reset")
			assert.NotContains(t, w.Body.String(), "nil map write")
		})
	}
}

func TestWriteError_logsUnclassifiedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := httptest.NewRequest(http.MethodGet, "/api/opportunities/opp-1/next-step", nil)
	r = r.WithContext(observability.WithLogger(r.Context(), zap.New(core)))

	writeError(httptest.NewRecorder(), r, errors.New("nil map write in resolver"))
	writeError(httptest.NewRecorder(), r, model.NewForbiddenError("nope"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "unclassified handler error", logs.All()[0].Message)
	assert.Equal(t, "nil map write in resolver", logs.All()[0].ContextMap()["error"])
}

func TestWriteError_doesNotMutateSource(t *testing.T) {
	src := model.NewOpportunityClosedError("opp-1")
	writeError(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), src)

	assert.Empty(t, src.TraceID)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
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
		"SOMETHING_NEW":             http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFor(code), code)
	}
}
