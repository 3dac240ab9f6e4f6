package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/dealflow/model"
)

func TestPromptFor_reflectsUpcomingStage(t *testing.T) {
	p := PromptFor(Qualification)
	assert.Equal(t, Qualification, p.Current)
	assert.Equal(t, Discovery, p.Upcoming)
	assert.Equal(t, model.ColApproachDiscoveryDetails, p.Field)
	assert.Equal(t, "Discovery details", p.Label)
	assert.NotEmpty(t, p.Placeholder)
	assert.NotEmpty(t, p.Suggestions)
	assert.Empty(t, p.Outcomes)
}

func TestPromptFor_everyOpenStageHasText(t *testing.T) {
	for _, s := range StageOrder() {
		p := PromptFor(s)
		assert.NotEmpty(t, p.Label, "label for %s", s)
		assert.NotEmpty(t, p.Field, "field for %s", s)
	}
}

func TestPromptFor_negotiationAsksForOutcome(t *testing.T) {
	p := PromptFor(Negotiation)
	assert.Equal(t, Negotiation, p.Upcoming)
	assert.Equal(t, model.ColNegotiationDetails, p.Field)
	assert.Equal(t, []Stage{ClosedWon, ClosedLost}, p.Outcomes)
}

func TestPromptFor_closedIsEmpty(t *testing.T) {
	p := PromptFor(ClosedWon)
	assert.Empty(t, p.Field)
	assert.Empty(t, p.Outcomes)
	assert.Empty(t, p.Suggestions)
}

func TestPromptFor_suggestionsAreCopies(t *testing.T) {
	p := PromptFor(Prospecting)
	p.Suggestions[0] = "changed"
	assert.NotEqual(t, "changed", PromptFor(Prospecting).Suggestions[0])
}
