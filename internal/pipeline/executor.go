package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

var tracer = otel.Tracer("github.com/pitabwire/dealflow/internal/pipeline")

const (
	maxNoteLength  = 4000
	maxTitleLength = 120

	defaultActivityType   = "next_step"
	defaultActivityStatus = model.ActivityStatusPlanned
)

// Probability sources reported in AdvanceResult.
const (
	SourceCatalog = "catalog"
	SourceDefault = "default"
)

// AdvanceRequest is a submitted next step for one opportunity.
type AdvanceRequest struct {
	OpportunityID string
	Note          string
	// DueDate is optional; nil leaves next_step_due_date untouched.
	DueDate *time.Time
	// Outcome is required at Negotiation and rejected everywhere else.
	Outcome string
}

// AdvanceResult describes a completed advance or closure.
type AdvanceResult struct {
	Opportunity       model.Opportunity `json:"opportunity"`
	From              Stage             `json:"from_stage"`
	To                Stage             `json:"to_stage"`
	Closed            bool              `json:"closed"`
	ProbabilitySource string            `json:"probability_source"`
	Activity          ActivityOutcome   `json:"activity"`
}

// AdvanceEvent is delivered to observers after every Advance call.
type AdvanceEvent struct {
	OpportunityID     string
	TenantID          string
	SubjectID         string
	From              Stage
	To                Stage
	Closed            bool
	ProbabilitySource string
	Activity          ActivityOutcome
	Duration          time.Duration
	// Err is set when the advance failed; From/To may then be empty.
	Err error
}

// Observer receives advance events. Implementations may record metrics or
// audit logs.
type Observer interface {
	OnAdvance(ctx context.Context, event AdvanceEvent)
}

// Executor orchestrates a next-step submission: note persistence, the
// best-effort activity insert, and the stage transition.
type Executor struct {
	opportunities  store.OpportunityStore
	catalog        store.StageCatalog
	activities     *ActivityRecorder
	capResolver    model.CapabilityResolver
	observers      []Observer
	logger         *zap.Logger
	now            func() time.Time
	activityType   string
	activityStatus string
}

// ExecutorOption configures optional dependencies.
type ExecutorOption func(*Executor)

// WithObserver adds an advance observer.
func WithObserver(obs Observer) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, obs) }
}

// WithCapabilityResolver enables capability checks. Without one every
// caller is allowed.
func WithCapabilityResolver(r model.CapabilityResolver) ExecutorOption {
	return func(e *Executor) { e.capResolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithActivityDefaults sets the activity_type and status of logged
// activities. Empty values keep the defaults.
func WithActivityDefaults(activityType, status string) ExecutorOption {
	return func(e *Executor) {
		if activityType != "" {
			e.activityType = activityType
		}
		if status != "" {
			e.activityStatus = status
		}
	}
}

// NewExecutor creates an Executor with its required stores.
func NewExecutor(
	opportunities store.OpportunityStore,
	catalog store.StageCatalog,
	activities store.ActivityLog,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		opportunities:  opportunities,
		catalog:        catalog,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
		activityType:   defaultActivityType,
		activityStatus: defaultActivityStatus,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.activities = NewActivityRecorder(activities, e.logger)
	return e
}

// Advance records the note on the opportunity and moves it one stage
// forward, or closes it when it sits at Negotiation.
//
// Only failures before the stage update, and the update itself, are
// returned. The activity insert never fails the call and a catalog lookup
// failure degrades to default probabilities.
func (e *Executor) Advance(ctx context.Context, rctx *model.RequestContext, req AdvanceRequest) (result AdvanceResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Advance")
	span.SetAttributes(attribute.String("dealflow.opportunity_id", req.OpportunityID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.notify(ctx, rctx, req.OpportunityID, result, time.Since(start), err)
	}()

	if rctx == nil {
		return AdvanceResult{}, model.NewUnauthorizedError("missing request context")
	}

	// 1. Validate input.
	note := strings.TrimSpace(req.Note)
	if err := validateNote(note); err != nil {
		return AdvanceResult{}, err
	}
	outcome, err := ParseOutcome(req.Outcome)
	if err != nil {
		return AdvanceResult{}, err
	}

	// 2. Check capabilities.
	if err := e.require(rctx, model.CapOpportunityAdvance); err != nil {
		return AdvanceResult{}, err
	}

	// 3. Load and classify the current stage.
	opp, err := e.opportunities.Get(ctx, rctx.TenantID, req.OpportunityID)
	if err != nil {
		return AdvanceResult{}, err
	}
	current := Normalize(opp.Stage)
	span.SetAttributes(attribute.String("dealflow.from_stage", string(current)))
	if opp.IsClosed || current.IsClosed() {
		return AdvanceResult{}, model.NewOpportunityClosedError(opp.ID)
	}

	closing := current == Negotiation
	switch {
	case closing && outcome == "":
		return AdvanceResult{}, model.NewOutcomeRequiredError()
	case !closing && outcome != "":
		return AdvanceResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("an outcome can only be chosen in %s (current stage %s)", Negotiation, current),
		)
	}
	if closing {
		if err := e.require(rctx, model.CapOpportunityClose); err != nil {
			return AdvanceResult{}, err
		}
	}

	// 4. Persist the note and next-step fields.
	prompt := PromptFor(current)
	noteUpdate := NewUpdate().
		SetNextStepTitle(titleFromNote(note)).
		SetNextStepDueDate(req.DueDate).
		SetDetails(prompt.Field, appendNote(opp.Details(prompt.Field), note))
	if _, err := e.opportunities.Update(ctx, rctx.TenantID, opp.ID, noteUpdate.Columns()); err != nil {
		return AdvanceResult{}, updateFailed("save next step", err)
	}

	// 5. Best-effort activity log.
	activity := e.activities.Record(ctx, model.Activity{
		ID:            uuid.NewString(),
		TenantID:      rctx.TenantID,
		OpportunityID: opp.ID,
		ActivityType:  e.activityType,
		Subject:       titleFromNote(note),
		Description:   note,
		DueAt:         req.DueDate,
		Status:        e.activityStatus,
		CreatedBy:     rctx.SubjectID,
	})

	// 6. Transition.
	var (
		target Stage
		upd    *OpportunityUpdate
	)
	if closing {
		target = outcome
		info := e.resolveStage(ctx, opp.PipelineID, target)
		upd, err = Close(current, target, info.probability, info.id, rctx.Today(e.now()))
		if err != nil {
			return AdvanceResult{}, err
		}
		result.ProbabilitySource = info.source
	} else {
		target, _ = NextStage(current)
		info := e.resolveStage(ctx, opp.PipelineID, target)
		upd = NewUpdate().
			SetStage(target).
			SetStageID(info.id).
			SetProbability(info.probability)
		result.ProbabilitySource = info.source
	}

	updated, err := e.opportunities.Update(ctx, rctx.TenantID, opp.ID, upd.Columns())
	if err != nil {
		return AdvanceResult{}, updateFailed("update stage", err)
	}

	span.SetAttributes(attribute.String("dealflow.to_stage", string(target)))
	e.logger.Info("opportunity advanced",
		zap.String("opportunity_id", opp.ID),
		zap.String("tenant_id", rctx.TenantID),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
		zap.Bool("activity_recorded", activity.Recorded),
	)

	result.Opportunity = updated
	result.From = current
	result.To = target
	result.Closed = closing
	result.Activity = activity
	return result, nil
}

type stageInfo struct {
	id          string
	probability int
	source      string
}

// resolveStage finds the catalog row of target by canonical name, then by
// legacy literal. Misses and lookup errors fall back to the default
// probability with no stage id.
func (e *Executor) resolveStage(ctx context.Context, pipelineID string, target Stage) stageInfo {
	names := []string{string(target)}
	if lit := target.Literal(); lit != string(target) {
		names = append(names, lit)
	}

	for _, name := range names {
		st, err := e.catalog.FindStage(ctx, pipelineID, name)
		if err == nil {
			return stageInfo{id: st.ID, probability: st.DefaultProbability, source: SourceCatalog}
		}
		if store.Classify(err) != store.KindNotFound {
			e.logger.Warn("stage catalog lookup failed, using default probability",
				zap.String("pipeline_id", pipelineID),
				zap.String("stage", name),
				zap.Error(err),
			)
		}
	}
	return stageInfo{probability: target.DefaultProbability(), source: SourceDefault}
}

func (e *Executor) require(rctx *model.RequestContext, caps ...string) error {
	if rctx == nil {
		return model.NewUnauthorizedError("missing request context")
	}
	if e.capResolver == nil {
		return nil
	}
	set, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if missing := set.Missing(caps...); len(missing) > 0 {
		return model.NewForbiddenError("missing capability " + strings.Join(missing, ", "))
	}
	return nil
}

func (e *Executor) notify(ctx context.Context, rctx *model.RequestContext, opportunityID string, res AdvanceResult, d time.Duration, err error) {
	if len(e.observers) == 0 {
		return
	}
	event := AdvanceEvent{
		OpportunityID:     opportunityID,
		From:              res.From,
		To:                res.To,
		Closed:            res.Closed,
		ProbabilitySource: res.ProbabilitySource,
		Activity:          res.Activity,
		Duration:          d,
		Err:               err,
	}
	if rctx != nil {
		event.TenantID = rctx.TenantID
		event.SubjectID = rctx.SubjectID
	}
	for _, obs := range e.observers {
		obs.OnAdvance(ctx, event)
	}
}

func validateNote(note string) error {
	switch {
	case note == "":
		return model.NewValidationError([]model.FieldError{{
			Field: "note", Code: "REQUIRED", Message: "Describe the next step",
		}})
	case utf8.RuneCountInString(note) > maxNoteLength:
		return model.NewValidationError([]model.FieldError{{
			Field: "note", Code: "TOO_LONG", Message: fmt.Sprintf("Note must be at most %d characters", maxNoteLength),
		}})
	}
	return nil
}

// appendNote adds note as a new line of existing.
func appendNote(existing, note string) string {
	existing = strings.TrimRight(existing, "\n")
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

// titleFromNote returns the first line of note, shortened to maxTitleLength
// runes.
func titleFromNote(note string) string {
	title, _, _ := strings.Cut(note, "\n")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	r := []rune(title)
	return string(r[:maxTitleLength-1]) + "…"
}

// updateFailed wraps a fatal opportunity update failure. NOT_FOUND and
// other typed errors pass through unchanged.
func updateFailed(step string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return fmt.Errorf("%s: %w: %w", step,
		model.NewUpdateFailedError("The opportunity could not be saved. Please try again."), err)
}
