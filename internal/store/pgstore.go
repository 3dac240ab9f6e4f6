package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/dealflow/model"
)

const opportunityColumns = `id, tenant_id, pipeline_id, organization_id, owner_id, name,
	amount::text, currency, stage::text, stage_id, probability, is_closed, is_won, status,
	prospecting_details, qualification_details, approach_discovery_details,
	presentation_poc_details, negotiation_details,
	next_step_title, next_step_due_date, expected_close_date, created_at, updated_at`

// updatableColumns guards the dynamic SET clause built by Update.
var updatableColumns = map[string]bool{
	model.ColStage:                    true,
	model.ColStageID:                  true,
	model.ColProbability:              true,
	model.ColStatus:                   true,
	model.ColIsWon:                    true,
	model.ColIsClosed:                 true,
	model.ColExpectedCloseDate:        true,
	model.ColNextStepTitle:            true,
	model.ColNextStepDueDate:          true,
	model.ColProspectingDetails:       true,
	model.ColQualificationDetails:     true,
	model.ColApproachDiscoveryDetails: true,
	model.ColPresentationPOCDetails:   true,
	model.ColNegotiationDetails:       true,
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping checks connectivity to the database.
func (s *PgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return backendError("ping", err)
	}
	return nil
}

// Get retrieves an opportunity by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, opportunityID string) (model.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+opportunityColumns+`
		FROM opportunities
		WHERE id = $1 AND tenant_id = $2`,
		opportunityID, tenantID,
	)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Opportunity{}, model.NewNotFoundError(
			fmt.Sprintf("opportunity %q not found", opportunityID),
		)
	}
	if err != nil {
		return model.Opportunity{}, backendError("query opportunity", err)
	}
	return o, nil
}

// Update applies cols in a single UPDATE ... WHERE id AND tenant_id and
// returns the updated row. updated_at is always stamped by the database.
func (s *PgStore) Update(ctx context.Context, tenantID, opportunityID string, cols []Column) (model.Opportunity, error) {
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		if c.Name == model.ColUpdatedAt {
			continue
		}
		if !updatableColumns[c.Name] {
			return model.Opportunity{}, fmt.Errorf("update opportunity: column %q is not updatable", c.Name)
		}
		args = append(args, c.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, opportunityID, tenantID)

	query := fmt.Sprintf(`
		UPDATE opportunities SET %s
		WHERE id = $%d AND tenant_id = $%d
		RETURNING `+opportunityColumns,
		strings.Join(sets, ", "), len(args)-1, len(args),
	)

	o, err := scanOpportunity(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Opportunity{}, model.NewNotFoundError(
			fmt.Sprintf("opportunity %q not found", opportunityID),
		)
	}
	if err != nil {
		return model.Opportunity{}, fmt.Errorf("update opportunity: %w", err)
	}
	return o, nil
}

// OrganizationName returns the display name of the customer organization.
func (s *PgStore) OrganizationName(ctx context.Context, tenantID, organizationID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT name FROM organizations
		WHERE id = $1 AND tenant_id = $2`,
		organizationID, tenantID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.NewNotFoundError(
			fmt.Sprintf("organization %q not found", organizationID),
		)
	}
	if err != nil {
		return "", fmt.Errorf("query organization: %w", err)
	}
	return name, nil
}

// FindStage returns the stage row with the exact name in the pipeline.
func (s *PgStore) FindStage(ctx context.Context, pipelineID, name string) (model.PipelineStage, error) {
	var st model.PipelineStage
	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, name, sort_order, default_probability
		FROM pipeline_stages
		WHERE pipeline_id = $1 AND name = $2
		LIMIT 1`,
		pipelineID, name,
	).Scan(&st.ID, &st.PipelineID, &st.Name, &st.SortOrder, &st.DefaultProbability)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PipelineStage{}, model.NewNotFoundError(
			fmt.Sprintf("stage %q not found in pipeline %q", name, pipelineID),
		)
	}
	if err != nil {
		return model.PipelineStage{}, fmt.Errorf("query pipeline stage: %w", err)
	}
	return st, nil
}

// ListStages returns every stage of the pipeline ordered by sort_order.
func (s *PgStore) ListStages(ctx context.Context, pipelineID string) ([]model.PipelineStage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_id, name, sort_order, default_probability
		FROM pipeline_stages
		WHERE pipeline_id = $1
		ORDER BY sort_order ASC`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline stages: %w", err)
	}
	defer rows.Close()

	var stages []model.PipelineStage
	for rows.Next() {
		var st model.PipelineStage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.SortOrder, &st.DefaultProbability); err != nil {
			return nil, fmt.Errorf("scan pipeline stage: %w", err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// InsertActivity writes the activity with DueAt stored under timeColumn.
// A deployment lacking timeColumn yields an error classified as
// KindSchemaMismatch.
func (s *PgStore) InsertActivity(ctx context.Context, a model.Activity, timeColumn string) error {
	if timeColumn != ColumnDueAt && timeColumn != ColumnScheduledAt {
		return fmt.Errorf("insert activity: unsupported time column %q", timeColumn)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sales_activities (
			id, tenant_id, opportunity_id, activity_type, subject,
			description, `+timeColumn+`, status, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.TenantID, a.OpportunityID, a.ActivityType, a.Subject,
		a.Description, a.DueAt, a.Status, a.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the newest activities of an opportunity first.
// It reads due_at, falling back to scheduled_at on deployments without it.
func (s *PgStore) ListActivities(ctx context.Context, tenantID, opportunityID string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var lastErr error
	for _, col := range []string{ColumnDueAt, ColumnScheduledAt} {
		out, err := s.listActivities(ctx, col, tenantID, opportunityID, limit)
		if Classify(err) == KindSchemaMismatch {
			lastErr = err
			continue
		}
		return out, err
	}
	return nil, lastErr
}

func (s *PgStore) listActivities(ctx context.Context, timeColumn, tenantID, opportunityID string, limit int) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, opportunity_id, activity_type, subject,
		       description, `+timeColumn+`, status, created_by, created_at
		FROM sales_activities
		WHERE tenant_id = $1 AND opportunity_id = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		tenantID, opportunityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var (
			a                      model.Activity
			description, createdBy pgtype.Text
			due                    pgtype.Timestamptz
		)
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.OpportunityID, &a.ActivityType, &a.Subject,
			&description, &due, &a.Status, &createdBy, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Description = description.String
		a.CreatedBy = createdBy.String
		a.DueAt = timePtr(due)
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanOpportunity scans a row selected with opportunityColumns.
func scanOpportunity(row pgx.Row) (model.Opportunity, error) {
	var (
		o                                      model.Opportunity
		amount                                 string
		orgID, ownerID, stageID, nextStepTitle pgtype.Text
		prospecting, qualification, discovery  pgtype.Text
		presentation, negotiation              pgtype.Text
		nextStepDue, expectedClose             pgtype.Timestamptz
	)
	err := row.Scan(
		&o.ID, &o.TenantID, &o.PipelineID, &orgID, &ownerID, &o.Name,
		&amount, &o.Currency, &o.Stage, &stageID, &o.Probability, &o.IsClosed, &o.IsWon, &o.Status,
		&prospecting, &qualification, &discovery,
		&presentation, &negotiation,
		&nextStepTitle, &nextStepDue, &expectedClose, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return model.Opportunity{}, err
	}

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return model.Opportunity{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	o.OrganizationID = orgID.String
	o.OwnerID = ownerID.String
	o.StageID = stageID.String
	o.NextStepTitle = nextStepTitle.String
	o.ProspectingDetails = prospecting.String
	o.QualificationDetails = qualification.String
	o.ApproachDiscoveryDetails = discovery.String
	o.PresentationPOCDetails = presentation.String
	o.NegotiationDetails = negotiation.String
	o.NextStepDueDate = timePtr(nextStepDue)
	o.ExpectedCloseDate = timePtr(expectedClose)
	return o, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
