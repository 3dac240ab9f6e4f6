package pipeline

import (
	"time"

	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

// OpportunityUpdate is a partial opportunity update. Only fields set through
// its setters are written; an unset field never appears in Columns, so a
// missing due date cannot be persisted as null or as a default.
type OpportunityUpdate struct {
	stage             *string
	stageID           *string
	probability       *int
	status            *string
	isWon             *bool
	isClosed          *bool
	expectedCloseDate *time.Time
	nextStepTitle     *string
	nextStepDueDate   *time.Time
	details           map[string]string
}

// NewUpdate returns an empty update.
func NewUpdate() *OpportunityUpdate {
	return &OpportunityUpdate{}
}

// SetStage sets the persisted stage literal of s.
func (u *OpportunityUpdate) SetStage(s Stage) *OpportunityUpdate {
	lit := s.Literal()
	u.stage = &lit
	return u
}

// SetStageID sets stage_id. An empty id leaves the field unset.
func (u *OpportunityUpdate) SetStageID(id string) *OpportunityUpdate {
	if id != "" {
		u.stageID = &id
	}
	return u
}

func (u *OpportunityUpdate) SetProbability(p int) *OpportunityUpdate {
	u.probability = &p
	return u
}

func (u *OpportunityUpdate) SetStatus(status string) *OpportunityUpdate {
	u.status = &status
	return u
}

func (u *OpportunityUpdate) SetWon(won bool) *OpportunityUpdate {
	u.isWon = &won
	return u
}

func (u *OpportunityUpdate) SetClosed(closed bool) *OpportunityUpdate {
	u.isClosed = &closed
	return u
}

func (u *OpportunityUpdate) SetExpectedCloseDate(d time.Time) *OpportunityUpdate {
	u.expectedCloseDate = &d
	return u
}

func (u *OpportunityUpdate) SetNextStepTitle(title string) *OpportunityUpdate {
	u.nextStepTitle = &title
	return u
}

// SetNextStepDueDate sets the due date when d is non-nil and is a no-op
// otherwise.
func (u *OpportunityUpdate) SetNextStepDueDate(d *time.Time) *OpportunityUpdate {
	if d != nil {
		v := *d
		u.nextStepDueDate = &v
	}
	return u
}

// SetDetails replaces the text of a per-stage detail column. Empty column
// names are ignored.
func (u *OpportunityUpdate) SetDetails(column, text string) *OpportunityUpdate {
	if column == "" {
		return u
	}
	if u.details == nil {
		u.details = make(map[string]string)
	}
	u.details[column] = text
	return u
}

// detailColumns fixes the order in which detail columns are emitted.
var detailColumns = [...]string{
	model.ColProspectingDetails,
	model.ColQualificationDetails,
	model.ColApproachDiscoveryDetails,
	model.ColPresentationPOCDetails,
	model.ColNegotiationDetails,
}

// Columns returns the set fields as ordered column assignments.
func (u *OpportunityUpdate) Columns() []store.Column {
	var cols []store.Column
	add := func(name string, v any) { cols = append(cols, store.Column{Name: name, Value: v}) }

	if u.stage != nil {
		add(model.ColStage, *u.stage)
	}
	if u.stageID != nil {
		add(model.ColStageID, *u.stageID)
	}
	if u.probability != nil {
		add(model.ColProbability, *u.probability)
	}
	if u.status != nil {
		add(model.ColStatus, *u.status)
	}
	if u.isWon != nil {
		add(model.ColIsWon, *u.isWon)
	}
	if u.isClosed != nil {
		add(model.ColIsClosed, *u.isClosed)
	}
	if u.expectedCloseDate != nil {
		add(model.ColExpectedCloseDate, *u.expectedCloseDate)
	}
	if u.nextStepTitle != nil {
		add(model.ColNextStepTitle, *u.nextStepTitle)
	}
	if u.nextStepDueDate != nil {
		add(model.ColNextStepDueDate, *u.nextStepDueDate)
	}
	for _, col := range detailColumns {
		if text, ok := u.details[col]; ok {
			add(col, text)
		}
	}
	return cols
}

// Has reports whether the update writes column.
func (u *OpportunityUpdate) Has(column string) bool {
	for _, c := range u.Columns() {
		if c.Name == column {
			return true
		}
	}
	return false
}

// Map returns the update as a column to value map.
func (u *OpportunityUpdate) Map() map[string]any {
	cols := u.Columns()
	m := make(map[string]any, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Value
	}
	return m
}

// IsEmpty reports whether no field is set.
func (u *OpportunityUpdate) IsEmpty() bool {
	return len(u.Columns()) == 0
}
