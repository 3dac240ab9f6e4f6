package model

import (
	"errors"
	"fmt"
)

// Error codes carried in the API error body.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	ErrOpportunityClosed = "OPPORTUNITY_CLOSED"
	ErrOutcomeRequired   = "OUTCOME_REQUIRED"
	ErrUpdateFailed      = "OPPORTUNITY_UPDATE_FAILED"
)

// ErrorEnvelope is a classified error and the JSON body the API returns
// for it. The optional cause is kept for logs and errors.Is but never
// serialised.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	cause error
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ErrorEnvelope) Unwrap() error { return e.cause }

// Is matches any envelope with the same code, so
// errors.Is(err, &ErrorEnvelope{Code: ErrNotFound}) holds for every
// NOT_FOUND regardless of message.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// WithCause returns a copy of e that wraps err.
func (e *ErrorEnvelope) WithCause(err error) *ErrorEnvelope {
	c := *e
	c.cause = err
	return &c
}

// AsEnvelope returns the first *ErrorEnvelope in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	ok := errors.As(err, &ee)
	return ee, ok
}

// HasCode reports whether err's chain carries an envelope with code.
func HasCode(err error, code string) bool {
	return err != nil && errors.Is(err, &ErrorEnvelope{Code: code})
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, msg) }
func NewInvalidTransitionError(msg string) *ErrorEnvelope { return envelope(ErrInvalidTransition, msg) }

// NewValidationError reports field-level rejections under one message.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

func NewOpportunityClosedError(opportunityID string) *ErrorEnvelope {
	return envelope(ErrOpportunityClosed, fmt.Sprintf("opportunity %q is already closed", opportunityID))
}

// NewOutcomeRequiredError is raised when an opportunity at the last open
// stage is submitted without choosing Closed Won or Closed Lost.
func NewOutcomeRequiredError() *ErrorEnvelope {
	return envelope(ErrOutcomeRequired, "Choose Closed Won or Closed Lost to finish this opportunity")
}

// NewUpdateFailedError is the only advancement failure surfaced to the
// user; every other step degrades silently.
func NewUpdateFailedError(msg string) *ErrorEnvelope {
	return envelope(ErrUpdateFailed, msg)
}

func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The database is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The database did not respond in time")
}
