// Package pipeline implements opportunity stage progression: stage name
// normalization, next-stage resolution, closure as won or lost, and the
// executor that persists a submitted next step.
package pipeline

import (
	"strings"

	"github.com/pitabwire/dealflow/model"
)

// Stage is a canonical pipeline stage label.
type Stage string

// Canonical stages.
const (
	Prospecting     Stage = "Prospecting"
	Qualification   Stage = "Qualification"
	Discovery       Stage = "Discovery"
	PresentationPOC Stage = "Presentation/POC"
	Negotiation     Stage = "Negotiation"
	ClosedWon       Stage = "Closed Won"
	ClosedLost      Stage = "Closed Lost"
)

// openStages is the fixed progression of open stages. Negotiation is last;
// leaving it requires an explicit closure outcome.
var openStages = [...]Stage{Prospecting, Qualification, Discovery, PresentationPOC, Negotiation}

// allStages lists every canonical stage in display order.
var allStages = [...]Stage{Prospecting, Qualification, Discovery, PresentationPOC, Negotiation, ClosedWon, ClosedLost}

// StageOrder returns a copy of the open-stage progression.
func StageOrder() []Stage {
	out := make([]Stage, len(openStages))
	copy(out, openStages[:])
	return out
}

// Stages returns a copy of all seven canonical stages.
func Stages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages[:])
	return out
}

// aliases maps normalized input text to a canonical stage. Keys are
// lowercased with separators collapsed, see normalizeKey.
var aliases = map[string]Stage{
	"prospecting": Prospecting,
	"prospect":    Prospecting,
	"lead":        Prospecting,

	"qualification": Qualification,
	"qualified":     Qualification,
	"qualify":       Qualification,

	"discovery":          Discovery,
	"approach":           Discovery,
	"approach/discovery": Discovery,

	"presentation/poc": PresentationPOC,
	"presentation":     PresentationPOC,
	"poc":              PresentationPOC,
	"demo":             PresentationPOC,

	"negotiation":          Negotiation,
	"proposal":             Negotiation,
	"proposal/negotiation": Negotiation,

	"closed won": ClosedWon,
	"closedwon":  ClosedWon,
	"won":        ClosedWon,

	"closed lost": ClosedLost,
	"closedlost":  ClosedLost,
	"lost":        ClosedLost,
}

// Normalize maps arbitrary or legacy stage text to a canonical stage.
// Matching ignores case, surrounding whitespace, underscores and hyphens.
// Unrecognised text maps to Prospecting. Normalize(string(s)) == s for
// every canonical stage s.
func Normalize(text string) Stage {
	if s, ok := aliases[normalizeKey(text)]; ok {
		return s
	}
	return Prospecting
}

// normalizeKey lowercases text, turns "_" and "-" into spaces, collapses
// runs of whitespace and drops spaces around "/".
func normalizeKey(text string) string {
	r := strings.NewReplacer("_", " ", "-", " ")
	key := strings.Join(strings.Fields(r.Replace(strings.ToLower(text))), " ")
	key = strings.ReplaceAll(key, " /", "/")
	return strings.ReplaceAll(key, "/ ", "/")
}

// Literal returns the value persisted in the opportunities.stage column.
// Discovery and Negotiation keep their historical enum literals.
func (s Stage) Literal() string {
	switch s {
	case Discovery:
		return "Approach/Discovery"
	case Negotiation:
		return "Proposal/Negotiation"
	}
	return string(s)
}

// IsClosed reports whether s is Closed Won or Closed Lost.
func (s Stage) IsClosed() bool {
	return s == ClosedWon || s == ClosedLost
}

// DefaultProbability is the win probability used when the stage catalog has
// no row for s.
func (s Stage) DefaultProbability() int {
	switch s {
	case Prospecting, Qualification:
		return 10
	case Discovery, PresentationPOC, Negotiation:
		return 20
	case ClosedWon:
		return 100
	}
	return 0
}

// DetailField returns the opportunity column accumulating notes for s, or
// "" for closed stages.
func (s Stage) DetailField() string {
	switch s {
	case Prospecting:
		return model.ColProspectingDetails
	case Qualification:
		return model.ColQualificationDetails
	case Discovery:
		return model.ColApproachDiscoveryDetails
	case PresentationPOC:
		return model.ColPresentationPOCDetails
	case Negotiation:
		return model.ColNegotiationDetails
	}
	return ""
}

// Status returns the opportunity status value matching s.
func (s Stage) Status() string {
	switch s {
	case ClosedWon:
		return model.OpportunityStatusWon
	case ClosedLost:
		return model.OpportunityStatusLost
	}
	return model.OpportunityStatusOpen
}
