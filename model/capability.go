package model

import "strings"

// Capabilities checked by the opportunity routes.
const (
	CapOpportunityView    = "opportunities:view"
	CapOpportunityAdvance = "opportunities:advance:execute"
	CapOpportunityClose   = "opportunities:close:execute"
	CapPipelineView       = "pipelines:stages:view"
)

const (
	capSeparator = ":"
	capWildcard  = "*"
)

// CapabilitySet holds granted capabilities. A grant is either an exact
// capability or a prefix ending in a wildcard segment: "*" grants
// everything and "opportunities:*" every opportunity capability.
type CapabilitySet map[string]bool

// Has reports whether cap is granted exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] || cs[capWildcard] {
		return true
	}
	// Walk the prefixes of cap: "a:b:c" tries "a:*" then "a:b:*".
	for i := strings.Index(cap, capSeparator); i >= 0; {
		if cs[cap[:i+1]+capWildcard] {
			return true
		}
		next := strings.Index(cap[i+1:], capSeparator)
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}

// HasAll reports whether every cap is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	return len(cs.Missing(caps...)) == 0
}

// Missing returns the caps that are not granted, in argument order.
func (cs CapabilitySet) Missing(caps ...string) []string {
	var out []string
	for _, c := range caps {
		if !cs.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps a request's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
}
