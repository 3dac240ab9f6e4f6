package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/dealflow/model"
)

// Op names a MemoryStore operation for fault injection.
type Op string

const (
	OpGet              Op = "get"
	OpUpdate           Op = "update"
	OpOrganizationName Op = "organization_name"
	OpFindStage        Op = "find_stage"
	OpListStages       Op = "list_stages"
	OpInsertActivity   Op = "insert_activity"
	OpListActivities   Op = "list_activities"
	OpPing             Op = "ping"
)

// ActivityAttempt records one InsertActivity call, successful or not.
type ActivityAttempt struct {
	Activity   model.Activity
	TimeColumn string
	Err        error
}

// MemoryStore is an in-memory Store used by tests and the "memory" store
// driver. Activity inserts are checked against a configurable set of
// timestamp columns and fail the way Postgres does when the column is
// missing.
type MemoryStore struct {
	mu            sync.RWMutex
	opportunities map[string]model.Opportunity // key: opportunity ID
	organizations map[string]string            // key: tenant ID + "/" + organization ID
	stages        map[string][]model.PipelineStage
	activities    []model.Activity
	timeColumns   map[string]bool
	faults        map[Op][]error
	updates       [][]Column
	attempts      []ActivityAttempt
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store whose activity table
// carries a due_at column.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]model.Opportunity),
		organizations: make(map[string]string),
		stages:        make(map[string][]model.PipelineStage),
		timeColumns:   map[string]bool{ColumnDueAt: true},
		faults:        make(map[Op][]error),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// PutOpportunity inserts or replaces an opportunity.
func (s *MemoryStore) PutOpportunity(o model.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opportunities[o.ID] = o
}

// PutOrganization registers a customer organization name.
func (s *MemoryStore) PutOrganization(tenantID, organizationID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[tenantID+"/"+organizationID] = name
}

// PutStage adds a stage catalog row.
func (s *MemoryStore) PutStage(st model.PipelineStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.PipelineID] = append(s.stages[st.PipelineID], st)
}

// SetActivityTimeColumns replaces the set of timestamp columns the activity
// table is considered to have.
func (s *MemoryStore) SetActivityTimeColumns(cols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeColumns = make(map[string]bool, len(cols))
	for _, c := range cols {
		s.timeColumns[c] = true
	}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (s *MemoryStore) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// Updates returns the column sets of every successful Update, oldest first.
func (s *MemoryStore) Updates() [][]Column {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]Column, len(s.updates))
	copy(out, s.updates)
	return out
}

// ActivityAttempts returns every InsertActivity call, oldest first.
func (s *MemoryStore) ActivityAttempts() []ActivityAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActivityAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// fault pops the next injected error for op. Callers must hold s.mu.
func (s *MemoryStore) fault(op Op) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// Ping reports the store as reachable unless a fault is queued.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault(OpPing)
}

// Get retrieves an opportunity by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, opportunityID string) (model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpGet); err != nil {
		return model.Opportunity{}, err
	}
	o, ok := s.opportunities[opportunityID]
	if !ok || o.TenantID != tenantID {
		return model.Opportunity{}, model.NewNotFoundError(
			fmt.Sprintf("opportunity %q not found", opportunityID),
		)
	}
	return o, nil
}

// Update applies cols to the stored opportunity. There is no version check.
func (s *MemoryStore) Update(_ context.Context, tenantID, opportunityID string, cols []Column) (model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpUpdate); err != nil {
		return model.Opportunity{}, err
	}
	o, ok := s.opportunities[opportunityID]
	if !ok || o.TenantID != tenantID {
		return model.Opportunity{}, model.NewNotFoundError(
			fmt.Sprintf("opportunity %q not found", opportunityID),
		)
	}

	for _, c := range cols {
		if err := applyColumn(&o, c); err != nil {
			return model.Opportunity{}, err
		}
	}
	o.UpdatedAt = s.now()

	s.opportunities[opportunityID] = o
	s.updates = append(s.updates, append([]Column(nil), cols...))
	return o, nil
}

// OrganizationName returns the registered organization name.
func (s *MemoryStore) OrganizationName(_ context.Context, tenantID, organizationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpOrganizationName); err != nil {
		return "", err
	}
	name, ok := s.organizations[tenantID+"/"+organizationID]
	if !ok {
		return "", model.NewNotFoundError(
			fmt.Sprintf("organization %q not found", organizationID),
		)
	}
	return name, nil
}

// FindStage returns the stage row with the exact name.
func (s *MemoryStore) FindStage(_ context.Context, pipelineID, name string) (model.PipelineStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpFindStage); err != nil {
		return model.PipelineStage{}, err
	}
	for _, st := range s.stages[pipelineID] {
		if st.Name == name {
			return st, nil
		}
	}
	return model.PipelineStage{}, model.NewNotFoundError(
		fmt.Sprintf("stage %q not found in pipeline %q", name, pipelineID),
	)
}

// ListStages returns the pipeline's stages ordered by sort order.
func (s *MemoryStore) ListStages(_ context.Context, pipelineID string) ([]model.PipelineStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpListStages); err != nil {
		return nil, err
	}
	out := make([]model.PipelineStage, len(s.stages[pipelineID]))
	copy(out, s.stages[pipelineID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

// InsertActivity appends the activity. It fails with SQLSTATE 42703 when
// timeColumn is not one of the configured activity timestamp columns.
func (s *MemoryStore) InsertActivity(_ context.Context, a model.Activity, timeColumn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fault(OpInsertActivity)
	if err == nil && !s.timeColumns[timeColumn] {
		err = &pgconn.PgError{
			Severity: "ERROR",
			Code:     sqlStateUndefinedColumn,
			Message:  fmt.Sprintf("column %q of relation \"sales_activities\" does not exist", timeColumn),
		}
	}
	s.attempts = append(s.attempts, ActivityAttempt{Activity: a, TimeColumn: timeColumn, Err: err})
	if err != nil {
		return err
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.activities = append(s.activities, a)
	return nil
}

// ListActivities returns the opportunity's activities, newest first.
func (s *MemoryStore) ListActivities(_ context.Context, tenantID, opportunityID string, limit int) ([]model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpListActivities); err != nil {
		return nil, err
	}
	var out []model.Activity
	for i := len(s.activities) - 1; i >= 0; i-- {
		a := s.activities[i]
		if a.TenantID != tenantID || a.OpportunityID != opportunityID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// applyColumn assigns one column value onto o, mirroring the column types
// of the opportunities table.
func applyColumn(o *model.Opportunity, c Column) error {
	var ok bool
	switch c.Name {
	case model.ColStage:
		o.Stage, ok = c.Value.(string)
	case model.ColStageID:
		o.StageID, ok = c.Value.(string)
	case model.ColProbability:
		o.Probability, ok = c.Value.(int)
	case model.ColStatus:
		o.Status, ok = c.Value.(string)
	case model.ColIsWon:
		o.IsWon, ok = c.Value.(bool)
	case model.ColIsClosed:
		o.IsClosed, ok = c.Value.(bool)
	case model.ColNextStepTitle:
		o.NextStepTitle, ok = c.Value.(string)
	case model.ColExpectedCloseDate:
		var t time.Time
		if t, ok = c.Value.(time.Time); ok {
			o.ExpectedCloseDate = &t
		}
	case model.ColNextStepDueDate:
		var t time.Time
		if t, ok = c.Value.(time.Time); ok {
			o.NextStepDueDate = &t
		}
	case model.ColUpdatedAt:
		// Stamped by the store itself.
		_, ok = c.Value.(time.Time)
	case model.ColProspectingDetails:
		o.ProspectingDetails, ok = c.Value.(string)
	case model.ColQualificationDetails:
		o.QualificationDetails, ok = c.Value.(string)
	case model.ColApproachDiscoveryDetails:
		o.ApproachDiscoveryDetails, ok = c.Value.(string)
	case model.ColPresentationPOCDetails:
		o.PresentationPOCDetails, ok = c.Value.(string)
	case model.ColNegotiationDetails:
		o.NegotiationDetails, ok = c.Value.(string)
	default:
		return &pgconn.PgError{
			Severity: "ERROR",
			Code:     sqlStateUndefinedColumn,
			Message:  fmt.Sprintf("column %q of relation \"opportunities\" does not exist", c.Name),
		}
	}
	if !ok {
		return fmt.Errorf("column %s: unexpected value type %T", c.Name, c.Value)
	}
	return nil
}
