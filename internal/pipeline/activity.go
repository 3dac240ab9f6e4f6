package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

// ActivityOutcome is the captured result of the best-effort activity insert.
// It is reported alongside a successful advance and never turned into an
// error.
type ActivityOutcome struct {
	Recorded   bool   `json:"recorded"`
	TimeColumn string `json:"time_column,omitempty"`
	Attempts   int    `json:"attempts"`
	Failure    string `json:"failure,omitempty"`
}

// Retried reports whether the insert fell back to the alternate timestamp
// column.
func (o ActivityOutcome) Retried() bool {
	return o.Attempts > 1
}

// ActivityRecorder writes the sales activity that accompanies a next-step
// note. A schema mismatch on due_at, or any failure naming that column, is
// retried once with scheduled_at; other failures are logged and swallowed.
type ActivityRecorder struct {
	log    store.ActivityLog
	logger *zap.Logger
}

// NewActivityRecorder creates a recorder over log.
func NewActivityRecorder(log store.ActivityLog, logger *zap.Logger) *ActivityRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityRecorder{log: log, logger: logger}
}

// Record inserts a and reports what happened.
func (r *ActivityRecorder) Record(ctx context.Context, a model.Activity) ActivityOutcome {
	ctx, span := tracer.Start(ctx, "pipeline.RecordActivity")
	defer span.End()

	out := ActivityOutcome{TimeColumn: store.ColumnDueAt, Attempts: 1}
	err := r.log.InsertActivity(ctx, a, store.ColumnDueAt)

	if store.ClassifyColumn(err, store.ColumnDueAt) == store.KindSchemaMismatch {
		r.logger.Info("activity insert rejected due_at, retrying with scheduled_at",
			zap.String("opportunity_id", a.OpportunityID),
			zap.Error(err),
		)
		out.TimeColumn = store.ColumnScheduledAt
		out.Attempts++
		err = r.log.InsertActivity(ctx, a, store.ColumnScheduledAt)
	}

	if err != nil {
		kind := store.ClassifyColumn(err, out.TimeColumn)
		out.Failure = kind.String()
		span.RecordError(err)
		r.logger.Warn("activity log insert failed",
			zap.String("opportunity_id", a.OpportunityID),
			zap.String("kind", kind.String()),
			zap.Int("attempts", out.Attempts),
			zap.Error(err),
		)
		return out
	}

	out.Recorded = true
	return out
}
