package model

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Validation failures for a RequestContext built from token claims.
var (
	ErrMissingSubject = errors.New("request context: subject is required")
	ErrMissingTenant  = errors.New("request context: tenant is required")
)

// RequestContext is the authenticated caller of one request: who they are,
// which tenant they act for, and where they sit (time zone, locale).
// Treat it as read-only once built.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
	Timezone      string
}

// Validate reports every missing mandatory field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, ErrMissingSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, ErrMissingTenant)
	}
	return errors.Join(errs...)
}

// SortedRoles returns a sorted, de-duplicated copy of Roles.
func (rc *RequestContext) SortedRoles() []string {
	roles := slices.Clone(rc.Roles)
	slices.Sort(roles)
	return slices.Compact(roles)
}

// Location returns the user's time zone. A missing or unknown X-Timezone
// falls back to UTC.
func (rc *RequestContext) Location() *time.Location {
	if rc == nil || rc.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(rc.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today is midnight of the user's current calendar day.
func (rc *RequestContext) Today(now time.Time) time.Time {
	y, m, d := now.In(rc.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, rc.Location())
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext on ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
