package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

// TracedStore wraps a store.Store and opens a client span around every call.
// Failed calls are annotated with their classified error kind.
type TracedStore struct {
	next store.Store
}

// NewTracedStore wraps next.
func NewTracedStore(next store.Store) *TracedStore {
	return &TracedStore{next: next}
}

func (s *TracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrStoreOperation.String(op))
	return Tracer().Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func (s *TracedStore) end(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(AttrErrorKind.String(store.Classify(err).String()))
	}
	EndSpanWithError(span, err)
}

// Get implements store.OpportunityStore.
func (s *TracedStore) Get(ctx context.Context, tenantID, opportunityID string) (model.Opportunity, error) {
	ctx, span := s.start(ctx, "Get", AttrTenantID.String(tenantID), AttrOpportunityID.String(opportunityID))
	opp, err := s.next.Get(ctx, tenantID, opportunityID)
	s.end(span, err)
	return opp, err
}

// Update implements store.OpportunityStore.
func (s *TracedStore) Update(ctx context.Context, tenantID, opportunityID string, cols []store.Column) (model.Opportunity, error) {
	ctx, span := s.start(ctx, "Update",
		AttrTenantID.String(tenantID),
		AttrOpportunityID.String(opportunityID),
		attribute.Int("dealflow.store.columns", len(cols)),
	)
	opp, err := s.next.Update(ctx, tenantID, opportunityID, cols)
	s.end(span, err)
	return opp, err
}

// OrganizationName implements store.OpportunityStore.
func (s *TracedStore) OrganizationName(ctx context.Context, tenantID, organizationID string) (string, error) {
	ctx, span := s.start(ctx, "OrganizationName", AttrTenantID.String(tenantID))
	name, err := s.next.OrganizationName(ctx, tenantID, organizationID)
	s.end(span, err)
	return name, err
}

// FindStage implements store.StageCatalog.
func (s *TracedStore) FindStage(ctx context.Context, pipelineID, name string) (model.PipelineStage, error) {
	ctx, span := s.start(ctx, "FindStage", AttrPipelineID.String(pipelineID), AttrStageName.String(name))
	st, err := s.next.FindStage(ctx, pipelineID, name)
	s.end(span, err)
	return st, err
}

// ListStages implements store.StageCatalog.
func (s *TracedStore) ListStages(ctx context.Context, pipelineID string) ([]model.PipelineStage, error) {
	ctx, span := s.start(ctx, "ListStages", AttrPipelineID.String(pipelineID))
	stages, err := s.next.ListStages(ctx, pipelineID)
	s.end(span, err)
	return stages, err
}

// InsertActivity implements store.ActivityLog.
func (s *TracedStore) InsertActivity(ctx context.Context, a model.Activity, timeColumn string) error {
	ctx, span := s.start(ctx, "InsertActivity",
		AttrTenantID.String(a.TenantID),
		AttrOpportunityID.String(a.OpportunityID),
		attribute.String("dealflow.store.time_column", timeColumn),
	)
	err := s.next.InsertActivity(ctx, a, timeColumn)
	s.end(span, err)
	return err
}

// ListActivities implements store.ActivityLog.
func (s *TracedStore) ListActivities(ctx context.Context, tenantID, opportunityID string, limit int) ([]model.Activity, error) {
	ctx, span := s.start(ctx, "ListActivities", AttrTenantID.String(tenantID), AttrOpportunityID.String(opportunityID))
	acts, err := s.next.ListActivities(ctx, tenantID, opportunityID, limit)
	s.end(span, err)
	return acts, err
}

// Ping implements store.Store. It is not traced; readiness probes would
// otherwise flood the exporter.
func (s *TracedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

// HealthCheck implements HealthChecker.
func (s *TracedStore) HealthCheck(ctx context.Context) error {
	return s.next.Ping(ctx)
}

var _ store.Store = (*TracedStore)(nil)
