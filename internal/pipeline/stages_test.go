package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitabwire/dealflow/model"
)

func TestNormalize_idempotentOnCanonical(t *testing.T) {
	for _, s := range Stages() {
		assert.Equal(t, s, Normalize(string(s)), "Normalize(%q)", s)
		assert.Equal(t, s, Normalize(string(Normalize(string(s)))))
	}
}

func TestNormalize_legacyAndVariants(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"Approach/Discovery", Discovery},
		{"approach / discovery", Discovery},
		{"Proposal/Negotiation", Negotiation},
		{"PROPOSAL/NEGOTIATION", Negotiation},
		{"Proposal", Negotiation},
		{"  proposal  ", Negotiation},
		{"Won", ClosedWon},
		{"won", ClosedWon},
		{"closed_won", ClosedWon},
		{"Closed-Won", ClosedWon},
		{"Lost", ClosedLost},
		{"CLOSED   LOST", ClosedLost},
		{"presentation", PresentationPOC},
		{"Presentation / POC", PresentationPOC},
		{"poc", PresentationPOC},
		{"Demo", PresentationPOC},
		{"qualification", Qualification},
		{"\tQualification\n", Qualification},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_unknownIsProspecting(t *testing.T) {
	for _, in := range []string{"", "   ", "Contracting", "stage 7", "won/lost"} {
		assert.Equal(t, Prospecting, Normalize(in), "Normalize(%q)", in)
	}
}

func TestStage_Literal(t *testing.T) {
	assert.Equal(t, "Approach/Discovery", Discovery.Literal())
	assert.Equal(t, "Proposal/Negotiation", Negotiation.Literal())
	for _, s := range []Stage{Prospecting, Qualification, PresentationPOC, ClosedWon, ClosedLost} {
		assert.Equal(t, string(s), s.Literal())
	}
	for _, s := range Stages() {
		assert.Equal(t, s, Normalize(s.Literal()), "literal of %s must normalize back", s)
	}
}

func TestStage_DefaultProbability(t *testing.T) {
	want := map[Stage]int{
		Prospecting:     10,
		Qualification:   10,
		Discovery:       20,
		PresentationPOC: 20,
		Negotiation:     20,
		ClosedWon:       100,
		ClosedLost:      0,
	}
	for s, p := range want {
		assert.Equal(t, p, s.DefaultProbability(), "DefaultProbability(%s)", s)
	}

	prev := 0
	for _, s := range StageOrder() {
		assert.GreaterOrEqual(t, s.DefaultProbability(), prev, "open stage probabilities are non-decreasing")
		prev = s.DefaultProbability()
	}
}

func TestStage_DetailFieldAndStatus(t *testing.T) {
	assert.Equal(t, model.ColApproachDiscoveryDetails, Discovery.DetailField())
	assert.Equal(t, model.ColNegotiationDetails, Negotiation.DetailField())
	assert.Empty(t, ClosedWon.DetailField())

	assert.Equal(t, model.OpportunityStatusWon, ClosedWon.Status())
	assert.Equal(t, model.OpportunityStatusLost, ClosedLost.Status())
	assert.Equal(t, model.OpportunityStatusOpen, Qualification.Status())
}

func TestStageOrder_returnsCopy(t *testing.T) {
	order := StageOrder()
	order[0] = ClosedLost
	assert.Equal(t, Prospecting, StageOrder()[0])
	assert.Len(t, StageOrder(), 5)
	assert.Len(t, Stages(), 7)
}
