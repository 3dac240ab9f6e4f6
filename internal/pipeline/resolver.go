package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/dealflow/model"
)

// NextStage returns the stage that follows current and whether an advance
// is possible. Negotiation and the closed stages have no next stage and
// return (current, false); Negotiation can only be left through Close. A
// value outside the canonical set restarts at Qualification.
func NextStage(current Stage) (Stage, bool) {
	switch {
	case current == PresentationPOC:
		return Negotiation, true
	case current == Negotiation, current.IsClosed():
		return current, false
	}
	for i, s := range openStages {
		if s == current && i+1 < len(openStages) {
			return openStages[i+1], true
		}
	}
	return Qualification, true
}

// ParseOutcome normalizes user input to ClosedWon or ClosedLost. Empty
// input returns "" without error.
func ParseOutcome(text string) (Stage, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	s := Normalize(text)
	if !s.IsClosed() {
		return "", model.NewValidationError([]model.FieldError{{
			Field:   "outcome",
			Code:    "INVALID_OUTCOME",
			Message: fmt.Sprintf("Outcome must be %q or %q", ClosedWon, ClosedLost),
		}})
	}
	return s, nil
}

// Close builds the update that finishes an opportunity at Negotiation as
// won or lost. It fails with INVALID_TRANSITION for any other current stage
// and OUTCOME_REQUIRED when outcome is empty. probability and stageID come
// from the resolved catalog row of the outcome; stageID may be empty.
func Close(current, outcome Stage, probability int, stageID string, today time.Time) (*OpportunityUpdate, error) {
	if current != Negotiation {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("only opportunities in %s can be closed (current stage %s)", Negotiation, current),
		)
	}
	if outcome == "" {
		return nil, model.NewOutcomeRequiredError()
	}
	if !outcome.IsClosed() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("%s is not a closing outcome", outcome),
		)
	}

	won := outcome == ClosedWon
	return NewUpdate().
		SetStage(outcome).
		SetStageID(stageID).
		SetProbability(probability).
		SetStatus(outcome.Status()).
		SetWon(won).
		SetClosed(true).
		SetExpectedCloseDate(today), nil
}
