package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/dealflow/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"no rows", pgx.ErrNoRows, KindNotFound},
		{"wrapped no rows", fmt.Errorf("query: %w", pgx.ErrNoRows), KindNotFound},
		{"not found envelope", model.NewNotFoundError("missing"), KindNotFound},
		{"undefined column", &pgconn.PgError{Code: "42703", Message: `column "due_at" does not exist`}, KindSchemaMismatch},
		{"undefined table", &pgconn.PgError{Code: "42P01", Message: "relation missing"}, KindSchemaMismatch},
		{"wrapped undefined column", fmt.Errorf("insert activity: %w", &pgconn.PgError{Code: "42703"}), KindSchemaMismatch},
		{"insufficient privilege", &pgconn.PgError{Code: "42501", Message: "denied"}, KindPermissionDenied},
		{"schema cache code in message", errors.New("PGRST204: Could not find the 'due_at' column"), KindSchemaMismatch},
		{"schema cache message", errors.New("column not found in the schema cache"), KindSchemaMismatch},
		{"does not exist message", errors.New(`column "due_at" of relation "sales_activities" does not exist`), KindSchemaMismatch},
		{"permission message", errors.New("Permission denied for table sales_activities"), KindPermissionDenied},
		{"rls message", errors.New("new row violates row-level security policy"), KindPermissionDenied},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, KindOther},
		{"generic", errors.New("connection reset by peer"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyColumn(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		column string
		want   Kind
	}{
		{"nil", nil, ColumnDueAt, KindOK},
		{"not null on column", errors.New(`null value in column "due_at" violates not-null constraint`), ColumnDueAt, KindSchemaMismatch},
		{"type error on column", fmt.Errorf("insert activity: %w", &pgconn.PgError{Code: "42804", Message: `column "DUE_AT" is of type date`}), ColumnDueAt, KindSchemaMismatch},
		{"other column named", errors.New(`null value in column "subject" violates not-null constraint`), ColumnDueAt, KindOther},
		{"permission wins", errors.New("permission denied for column due_at"), ColumnDueAt, KindPermissionDenied},
		{"no column given", errors.New(`null value in column "due_at"`), "", KindOther},
		{"generic", errors.New("connection reset by peer"), ColumnScheduledAt, KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyColumn(tt.err, tt.column))
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "ok", KindOK.String())
	assert.Equal(t, "schema_mismatch", KindSchemaMismatch.String())
	assert.Equal(t, "permission_denied", KindPermissionDenied.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "other", KindOther.String())
}

func TestBackendError(t *testing.T) {
	timeout := backendError("query opportunity", fmt.Errorf("read: %w", context.DeadlineExceeded))
	assert.True(t, model.HasCode(timeout, model.ErrBackendTimeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	refused := backendError("ping", &pgconn.ConnectError{Config: &pgconn.Config{}})
	assert.True(t, model.HasCode(refused, model.ErrBackendUnavailable))

	other := backendError("query opportunity", errors.New("syntax error at or near"))
	_, typed := model.AsEnvelope(other)
	assert.False(t, typed)
	assert.EqualError(t, other, "query opportunity: syntax error at or near")
}
