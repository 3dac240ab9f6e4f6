// Package store is the persistence boundary for opportunities, the pipeline
// stage catalog and the sales activity log.
package store

import (
	"context"

	"github.com/pitabwire/dealflow/model"
)

// Column is a single column assignment of a partial opportunity update.
type Column struct {
	Name  string
	Value any
}

// Activity timestamp columns. Deployments differ in which of the two the
// sales_activities table carries.
const (
	ColumnDueAt       = "due_at"
	ColumnScheduledAt = "scheduled_at"
)

// OpportunityStore reads and partially updates opportunities.
type OpportunityStore interface {
	// Get retrieves an opportunity by ID, scoped to a tenant. Returns
	// NOT_FOUND if the row doesn't exist or belongs to another tenant.
	Get(ctx context.Context, tenantID, opportunityID string) (model.Opportunity, error)

	// Update applies the given columns with an unconditional
	// UPDATE ... WHERE id AND tenant_id and returns the updated row.
	// Concurrent updates are last-write-wins.
	Update(ctx context.Context, tenantID, opportunityID string, cols []Column) (model.Opportunity, error)

	// OrganizationName returns the display name of the customer organization.
	OrganizationName(ctx context.Context, tenantID, organizationID string) (string, error)
}

// StageCatalog looks up pipeline stage rows.
type StageCatalog interface {
	// FindStage returns the stage row with the exact name in the pipeline,
	// or NOT_FOUND.
	FindStage(ctx context.Context, pipelineID, name string) (model.PipelineStage, error)

	// ListStages returns every stage of the pipeline ordered by sort_order.
	ListStages(ctx context.Context, pipelineID string) ([]model.PipelineStage, error)
}

// ActivityLog appends to and reads the sales activity log.
type ActivityLog interface {
	// InsertActivity writes the activity, storing DueAt under timeColumn
	// (ColumnDueAt or ColumnScheduledAt).
	InsertActivity(ctx context.Context, a model.Activity, timeColumn string) error

	// ListActivities returns the newest activities of an opportunity first.
	ListActivities(ctx context.Context, tenantID, opportunityID string, limit int) ([]model.Activity, error)
}

// Store is the union of all persistence interfaces, implemented by both
// PgStore and MemoryStore.
type Store interface {
	OpportunityStore
	StageCatalog
	ActivityLog
	Ping(ctx context.Context) error
}
