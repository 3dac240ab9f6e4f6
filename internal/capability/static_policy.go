package capability

import (
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/dealflow/model"
)

// DefaultRoles is the policy used when no policy file is configured.
var DefaultRoles = map[string][]string{
	"sales_rep": {
		model.CapOpportunityView,
		model.CapOpportunityAdvance,
		model.CapPipelineView,
	},
	"sales_manager": {
		"opportunities:*",
		"pipelines:*",
	},
	"admin": {"*"},
}

// StaticPolicyEvaluator grants capabilities from a fixed role table,
// either DefaultRoles or a YAML file of the form
//
//	roles:
//	  sales_rep: [opportunities:view, opportunities:advance:execute]
//	  admin: ["*"]
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	roles map[string]model.CapabilitySet
}

// NewStaticPolicyEvaluator loads the policy file at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicyFromRoles builds an evaluator over an in-memory table.
// Sync is a no-op for it.
func NewStaticPolicyFromRoles(roles map[string][]string) *StaticPolicyEvaluator {
	compiled, _ := compileRoles(roles)
	return &StaticPolicyEvaluator{roles: compiled}
}

// ResolveCapabilities returns the union of the grants of every role the
// caller holds. Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	caps := model.CapabilitySet{}
	if rctx == nil {
		return caps, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, role := range rctx.Roles {
		maps.Copy(caps, e.roles[role])
	}
	return caps, nil
}

// Sync rereads the policy file. On error the previous table stays active.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: read policy %s: %w", e.path, err)
	}
	var file struct {
		Roles map[string][]string `yaml:"roles"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("capability: parse policy %s: %w", e.path, err)
	}
	if len(file.Roles) == 0 {
		return fmt.Errorf("capability: policy %s defines no roles", e.path)
	}
	compiled, err := compileRoles(file.Roles)
	if err != nil {
		return fmt.Errorf("capability: policy %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.roles = compiled
	e.mu.Unlock()
	return nil
}

// RoleCount returns the number of roles in the active policy.
func (e *StaticPolicyEvaluator) RoleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.roles)
}

func compileRoles(roles map[string][]string) (map[string]model.CapabilitySet, error) {
	out := make(map[string]model.CapabilitySet, len(roles))
	for role, grants := range roles {
		set := make(model.CapabilitySet, len(grants))
		for _, g := range grants {
			if err := validGrant(g); err != nil {
				return out, fmt.Errorf("role %s: %w", role, err)
			}
			set[g] = true
		}
		out[role] = set
	}
	return out, nil
}

// validGrant accepts "*", exact capabilities, and prefixes ending in a
// ":*" segment. A wildcard anywhere else would never match.
func validGrant(g string) error {
	if g == "*" {
		return nil
	}
	segs := strings.Split(g, ":")
	for i, seg := range segs {
		switch {
		case seg == "":
			return fmt.Errorf("grant %q has an empty segment", g)
		case strings.Contains(seg, "*") && (seg != "*" || i != len(segs)-1):
			return fmt.Errorf("grant %q: wildcard must be the whole last segment", g)
		}
	}
	return nil
}
