package pipeline

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

const defaultActivityLimit = 50

// PromptView is what the next-step form renders for one opportunity.
type PromptView struct {
	OpportunityID    string          `json:"opportunity_id"`
	Name             string          `json:"name"`
	OrganizationName string          `json:"organization_name,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Stage            Stage           `json:"stage"`
	Probability      int             `json:"probability"`
	Closed           bool            `json:"closed"`
	CurrentDetails   string          `json:"current_details,omitempty"`
	Prompt           Prompt          `json:"prompt"`
}

// StageView is a catalog row annotated with its canonical stage.
type StageView struct {
	model.PipelineStage
	Canonical Stage `json:"canonical"`
}

// Prompt loads an opportunity and describes the next-step form for it. The
// organization name is display-only; failing to load it is not an error.
func (e *Executor) Prompt(ctx context.Context, rctx *model.RequestContext, opportunityID string) (PromptView, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Prompt")
	defer span.End()

	if err := e.require(rctx, model.CapOpportunityView); err != nil {
		return PromptView{}, err
	}
	opp, err := e.opportunities.Get(ctx, rctx.TenantID, opportunityID)
	if err != nil {
		return PromptView{}, err
	}

	current := Normalize(opp.Stage)
	prompt := PromptFor(current)
	view := PromptView{
		OpportunityID:  opp.ID,
		Name:           opp.Name,
		Amount:         opp.Amount,
		Currency:       opp.Currency,
		Stage:          current,
		Probability:    opp.Probability,
		Closed:         opp.IsClosed || current.IsClosed(),
		CurrentDetails: opp.Details(prompt.Field),
		Prompt:         prompt,
	}

	if opp.OrganizationID != "" {
		name, err := e.opportunities.OrganizationName(ctx, rctx.TenantID, opp.OrganizationID)
		if err != nil {
			e.logger.Debug("organization name unavailable",
				zap.String("organization_id", opp.OrganizationID),
				zap.String("kind", store.Classify(err).String()),
			)
		}
		view.OrganizationName = name
	}
	return view, nil
}

// Activities returns the newest activities logged for an opportunity.
func (e *Executor) Activities(ctx context.Context, rctx *model.RequestContext, opportunityID string, limit int) ([]model.Activity, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Activities")
	defer span.End()

	if err := e.require(rctx, model.CapOpportunityView); err != nil {
		return nil, err
	}
	// Resolve the opportunity first so another tenant's ID yields NOT_FOUND.
	if _, err := e.opportunities.Get(ctx, rctx.TenantID, opportunityID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultActivityLimit {
		limit = defaultActivityLimit
	}
	return e.activities.log.ListActivities(ctx, rctx.TenantID, opportunityID, limit)
}

// Stages lists a pipeline's catalog rows in sort order.
func (e *Executor) Stages(ctx context.Context, rctx *model.RequestContext, pipelineID string) ([]StageView, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Stages")
	defer span.End()

	if err := e.require(rctx, model.CapPipelineView); err != nil {
		return nil, err
	}
	rows, err := e.catalog.ListStages(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	out := make([]StageView, 0, len(rows))
	for _, r := range rows {
		out = append(out, StageView{PipelineStage: r, Canonical: Normalize(r.Name)})
	}
	return out, nil
}
