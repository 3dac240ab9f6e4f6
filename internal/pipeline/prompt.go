package pipeline

// Prompt describes the next-step form shown for an opportunity. It reflects
// the upcoming stage: the note typed while in Qualification is filed under
// Discovery, the stage it moves the deal into.
type Prompt struct {
	Current     Stage    `json:"current_stage"`
	Upcoming    Stage    `json:"upcoming_stage"`
	Field       string   `json:"field"`
	Label       string   `json:"label"`
	Placeholder string   `json:"placeholder"`
	Suggestions []string `json:"suggestions"`
	// Outcomes is non-empty only when the submission must close the deal.
	Outcomes []Stage `json:"outcomes,omitempty"`
}

type promptText struct {
	label       string
	placeholder string
	suggestions []string
}

var promptTexts = map[Stage]promptText{
	Prospecting: {
		label:       "Prospecting details",
		placeholder: "Who is the contact and how did the lead come in?",
		suggestions: []string{"Intro call booked", "Sent company overview", "Connected on LinkedIn"},
	},
	Qualification: {
		label:       "Qualification details",
		placeholder: "Budget, decision makers and timeline",
		suggestions: []string{"Budget confirmed", "Decision maker identified", "Timeline agreed"},
	},
	Discovery: {
		label:       "Discovery details",
		placeholder: "Pain points and requirements uncovered",
		suggestions: []string{"Requirements documented", "Pain points identified", "Stakeholder map drafted"},
	},
	PresentationPOC: {
		label:       "Presentation / POC details",
		placeholder: "Demo feedback or proof-of-concept scope",
		suggestions: []string{"Demo scheduled", "POC environment ready", "Success criteria agreed"},
	},
	Negotiation: {
		label:       "Negotiation details",
		placeholder: "Pricing, terms and open objections",
		suggestions: []string{"Proposal sent", "Pricing approved", "Legal review started"},
	},
}

var closingText = promptText{
	label:       "Closing notes",
	placeholder: "Why was the deal won or lost?",
	suggestions: []string{"Contract signed", "Lost on price", "Went with competitor", "No decision"},
}

// PromptFor returns the form for an opportunity currently in current. At
// Negotiation the form asks for a closing outcome and files the note under
// negotiation_details. Closed stages get an empty form.
func PromptFor(current Stage) Prompt {
	if current.IsClosed() {
		return Prompt{Current: current, Upcoming: current}
	}
	next, ok := NextStage(current)
	if !ok {
		return Prompt{
			Current:     current,
			Upcoming:    current,
			Field:       current.DetailField(),
			Label:       closingText.label,
			Placeholder: closingText.placeholder,
			Suggestions: append([]string(nil), closingText.suggestions...),
			Outcomes:    []Stage{ClosedWon, ClosedLost},
		}
	}
	text := promptTexts[next]
	return Prompt{
		Current:     current,
		Upcoming:    next,
		Field:       next.DetailField(),
		Label:       text.label,
		Placeholder: text.placeholder,
		Suggestions: append([]string(nil), text.suggestions...),
	}
}
