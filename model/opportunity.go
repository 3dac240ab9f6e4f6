package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity status constants.
const (
	OpportunityStatusOpen = "open"
	OpportunityStatusWon  = "won"
	OpportunityStatusLost = "lost"
)

// Activity status constants.
const (
	ActivityStatusPlanned   = "planned"
	ActivityStatusCompleted = "completed"
)

// Opportunity column names written by partial updates.
const (
	ColStage             = "stage"
	ColStageID           = "stage_id"
	ColProbability       = "probability"
	ColStatus            = "status"
	ColIsWon             = "is_won"
	ColIsClosed          = "is_closed"
	ColExpectedCloseDate = "expected_close_date"
	ColNextStepTitle     = "next_step_title"
	ColNextStepDueDate   = "next_step_due_date"
	ColUpdatedAt         = "updated_at"

	ColProspectingDetails       = "prospecting_details"
	ColQualificationDetails     = "qualification_details"
	ColApproachDiscoveryDetails = "approach_discovery_details"
	ColPresentationPOCDetails   = "presentation_poc_details"
	ColNegotiationDetails       = "negotiation_details"
)

// Opportunity is a deal moving through a sales pipeline. Stage holds the
// text exactly as persisted, which may be a legacy enum literal.
type Opportunity struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	PipelineID     string          `json:"pipeline_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Name           string          `json:"name"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Stage          string          `json:"stage"`
	StageID        string          `json:"stage_id,omitempty"`
	Probability    int             `json:"probability"`
	IsClosed       bool            `json:"is_closed"`
	IsWon          bool            `json:"is_won"`
	Status         string          `json:"status"`

	ProspectingDetails       string `json:"prospecting_details,omitempty"`
	QualificationDetails     string `json:"qualification_details,omitempty"`
	ApproachDiscoveryDetails string `json:"approach_discovery_details,omitempty"`
	PresentationPOCDetails   string `json:"presentation_poc_details,omitempty"`
	NegotiationDetails       string `json:"negotiation_details,omitempty"`

	NextStepTitle     string     `json:"next_step_title,omitempty"`
	NextStepDueDate   *time.Time `json:"next_step_due_date,omitempty"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Details returns the accumulated notes stored in the given detail column,
// or "" for an unknown column.
func (o Opportunity) Details(column string) string {
	switch column {
	case ColProspectingDetails:
		return o.ProspectingDetails
	case ColQualificationDetails:
		return o.QualificationDetails
	case ColApproachDiscoveryDetails:
		return o.ApproachDiscoveryDetails
	case ColPresentationPOCDetails:
		return o.PresentationPOCDetails
	case ColNegotiationDetails:
		return o.NegotiationDetails
	}
	return ""
}

// PipelineStage is a stage catalog row for one pipeline.
type PipelineStage struct {
	ID                 string `json:"id"`
	PipelineID         string `json:"pipeline_id"`
	Name               string `json:"name"`
	SortOrder          int    `json:"sort_order"`
	DefaultProbability int    `json:"default_probability"`
}

// Activity is an append-only sales activity entry logged alongside a
// stage note.
type Activity struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	OpportunityID string     `json:"opportunity_id"`
	ActivityType  string     `json:"activity_type"`
	Subject       string     `json:"subject"`
	Description   string     `json:"description,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	Status        string     `json:"status"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
