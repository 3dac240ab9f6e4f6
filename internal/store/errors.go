package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/dealflow/model"
)

// Kind classifies a persistence error so callers can branch on it without
// inspecting driver codes or messages themselves.
type Kind int

const (
	KindOK Kind = iota
	// KindSchemaMismatch means a column or relation the statement names does
	// not exist in this deployment.
	KindSchemaMismatch
	// KindPermissionDenied covers privilege and row-level security rejections.
	KindPermissionDenied
	KindNotFound
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// SQLSTATE codes recognised by Classify. PGRST204 is the REST gateway's
// "column not in schema cache" code and shows up when the database sits
// behind one.
const (
	sqlStateUndefinedColumn   = "42703"
	sqlStateUndefinedTable    = "42P01"
	sqlStateSchemaCache       = "PGRST204"
	sqlStateInsufficientPrivs = "42501"
)

// Classify maps err to a Kind. A nil error is KindOK.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, pgx.ErrNoRows) || model.HasCode(err, model.ErrNotFound) {
		return KindNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUndefinedColumn, sqlStateUndefinedTable, sqlStateSchemaCache:
			return KindSchemaMismatch
		case sqlStateInsufficientPrivs:
			return KindPermissionDenied
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, strings.ToLower(sqlStateSchemaCache)),
		strings.Contains(msg, "schema cache"),
		strings.Contains(msg, "does not exist"):
		return KindSchemaMismatch
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "row-level security"):
		return KindPermissionDenied
	}
	return KindOther
}

// ClassifyColumn is Classify for a statement that wrote column. An error
// Classify cannot place that names column, such as a NOT NULL or type
// violation on it, is a schema mismatch: this deployment does not accept
// the column the way the statement uses it.
func ClassifyColumn(err error, column string) Kind {
	kind := Classify(err)
	if kind == KindOther && column != "" &&
		strings.Contains(strings.ToLower(err.Error()), strings.ToLower(column)) {
		return KindSchemaMismatch
	}
	return kind
}

// backendError turns a failure to reach the database into a typed
// BACKEND_TIMEOUT or BACKEND_UNAVAILABLE envelope. Other errors are
// wrapped with op.
func backendError(op string, err error) error {
	var connErr *pgconn.ConnectError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError().WithCause(err)
	case errors.As(err, &connErr), pgconn.Timeout(err):
		return model.NewBackendUnavailableError().WithCause(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
