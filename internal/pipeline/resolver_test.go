package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dealflow/model"
)

func TestNextStage(t *testing.T) {
	tests := []struct {
		current Stage
		want    Stage
		ok      bool
	}{
		{Prospecting, Qualification, true},
		{Qualification, Discovery, true},
		{Discovery, PresentationPOC, true},
		{PresentationPOC, Negotiation, true},
		{Negotiation, Negotiation, false},
		{ClosedWon, ClosedWon, false},
		{ClosedLost, ClosedLost, false},
		{Stage("Contracting"), Qualification, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.current), func(t *testing.T) {
			got, ok := NextStage(tt.current)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestNextStage_monotonicAdvancement(t *testing.T) {
	s := Prospecting
	for i := 0; i < 4; i++ {
		s, _ = NextStage(s)
	}
	assert.Equal(t, Negotiation, s)

	// Further applications stay at Negotiation without a closure.
	for i := 0; i < 3; i++ {
		next, ok := NextStage(s)
		assert.False(t, ok)
		assert.Equal(t, Negotiation, next)
		s = next
	}
}

func TestParseOutcome(t *testing.T) {
	got, err := ParseOutcome("Closed Won")
	require.NoError(t, err)
	assert.Equal(t, ClosedWon, got)

	got, err = ParseOutcome("lost")
	require.NoError(t, err)
	assert.Equal(t, ClosedLost, got)

	got, err = ParseOutcome("  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseOutcome("Negotiation")
	assert.True(t, model.HasCode(err, model.ErrValidationError))
}

func TestClose_lost(t *testing.T) {
	today := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	upd, err := Close(Negotiation, ClosedLost, 0, "", today)
	require.NoError(t, err)

	m := upd.Map()
	assert.Equal(t, "Closed Lost", m[model.ColStage])
	assert.Equal(t, model.OpportunityStatusLost, m[model.ColStatus])
	assert.Equal(t, false, m[model.ColIsWon])
	assert.Equal(t, true, m[model.ColIsClosed])
	assert.Equal(t, 0, m[model.ColProbability])
	assert.Equal(t, today, m[model.ColExpectedCloseDate])
	assert.NotContains(t, m, model.ColStageID)
}

func TestClose_wonWithCatalogRow(t *testing.T) {
	today := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	upd, err := Close(Negotiation, ClosedWon, 100, "stage-won", today)
	require.NoError(t, err)

	m := upd.Map()
	assert.Equal(t, "Closed Won", m[model.ColStage])
	assert.Equal(t, "stage-won", m[model.ColStageID])
	assert.Equal(t, true, m[model.ColIsWon])
	assert.Equal(t, 100, m[model.ColProbability])
}

func TestClose_onlyFromNegotiation(t *testing.T) {
	for _, s := range []Stage{Prospecting, Qualification, Discovery, PresentationPOC, ClosedWon, ClosedLost} {
		_, err := Close(s, ClosedWon, 100, "", time.Now())
		assert.True(t, model.HasCode(err, model.ErrInvalidTransition), "Close from %s", s)
	}
}

func TestClose_requiresOutcome(t *testing.T) {
	_, err := Close(Negotiation, "", 0, "", time.Now())
	assert.True(t, model.HasCode(err, model.ErrOutcomeRequired))

	_, err = Close(Negotiation, Discovery, 0, "", time.Now())
	assert.True(t, model.HasCode(err, model.ErrInvalidTransition))
}
