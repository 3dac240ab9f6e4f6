package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dealflow/model"
)

func caller(roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "rep-7", TenantID: "acme", Roles: roles}
}

// countingEvaluator grants opportunities:view and records each call.
type countingEvaluator struct {
	calls int
	err   error
}

func (c *countingEvaluator) ResolveCapabilities(*model.RequestContext) (model.CapabilitySet, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return model.CapabilitySet{model.CapOpportunityView: true}, nil
}

// --- StaticPolicyEvaluator ---

func TestStaticPolicyEvaluator_fromFile(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, e.RoleCount())

	tests := []struct {
		roles   []string
		granted []string
		denied  []string
	}{
		{
			roles:   []string{"sales_rep"},
			granted: []string{model.CapOpportunityView, model.CapOpportunityAdvance},
			denied:  []string{model.CapOpportunityClose, model.CapPipelineView},
		},
		{
			roles:   []string{"sales_rep", "sales_manager"},
			granted: []string{model.CapOpportunityClose, model.CapPipelineView, model.CapOpportunityView},
		},
		{
			roles:   []string{"admin"},
			granted: []string{model.CapOpportunityClose, model.CapPipelineView},
		},
		{
			roles:  []string{"contractor"},
			denied: []string{model.CapOpportunityView},
		},
	}
	for _, tt := range tests {
		caps, err := e.ResolveCapabilities(caller(tt.roles...))
		require.NoError(t, err)
		assert.Empty(t, caps.Missing(tt.granted...), "roles %v", tt.roles)
		for _, c := range tt.denied {
			assert.False(t, caps.Has(c), "roles %v should not hold %s", tt.roles, c)
		}
	}
}

func TestStaticPolicyEvaluator_rejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"testdata/nonexistent.yaml":  "read policy",
		"testdata/empty.yaml":        "defines no roles",
		"testdata/bad_wildcard.yaml": "wildcard must be the whole last segment",
	}
	for path, want := range tests {
		_, err := NewStaticPolicyEvaluator(path)
		assert.ErrorContains(t, err, want, path)
	}
}

func TestStaticPolicyEvaluator_syncKeepsPolicyOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  sales_rep: [opportunities:view]\n"), 0o600))

	e, err := NewStaticPolicyEvaluator(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("roles: [not, a, map]\n"), 0o600))
	assert.ErrorContains(t, e.Sync(), "parse policy")

	caps, _ := e.ResolveCapabilities(caller("sales_rep"))
	assert.True(t, caps.Has(model.CapOpportunityView))

	require.NoError(t, os.WriteFile(path, []byte("roles:\n  sales_rep: [opportunities:*]\n"), 0o600))
	require.NoError(t, e.Sync())
	caps, _ = e.ResolveCapabilities(caller("sales_rep"))
	assert.True(t, caps.Has(model.CapOpportunityClose))
}

func TestDefaultRoles(t *testing.T) {
	e := NewStaticPolicyFromRoles(DefaultRoles)
	require.NoError(t, e.Sync())
	assert.Equal(t, len(DefaultRoles), e.RoleCount())

	rep, _ := e.ResolveCapabilities(caller("sales_rep"))
	assert.False(t, rep.Has(model.CapOpportunityClose))
	assert.True(t, rep.HasAll(model.CapOpportunityView, model.CapOpportunityAdvance, model.CapPipelineView))

	mgr, _ := e.ResolveCapabilities(caller("sales_manager"))
	assert.Empty(t, mgr.Missing(model.CapOpportunityAdvance, model.CapOpportunityClose, model.CapPipelineView))

	none, err := e.ResolveCapabilities(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestValidGrant(t *testing.T) {
	for _, ok := range []string{"*", "opportunities:*", "opportunities:advance:*", model.CapOpportunityClose} {
		assert.NoError(t, validGrant(ok), ok)
	}
	for _, bad := range []string{"", "opportunities:", "opp*", "opportunities:*:execute", "*:view", "opportunities:advance*"} {
		assert.Error(t, validGrant(bad), bad)
	}
}

// --- Resolver ---

func TestResolver_cachesPerCaller(t *testing.T) {
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "hits"})
	misses := prometheus.NewCounter(prometheus.CounterOpts{Name: "misses"})
	r := NewResolver(NewStaticPolicyFromRoles(DefaultRoles), 5*time.Minute, WithCacheCounters(hits, misses))

	for range 3 {
		caps, err := r.Resolve(caller("sales_rep"))
		require.NoError(t, err)
		assert.True(t, caps.Has(model.CapOpportunityView))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(misses))
	assert.Equal(t, 2.0, testutil.ToFloat64(hits))
}

func TestResolver_roleChangeMisses(t *testing.T) {
	r := NewResolver(NewStaticPolicyFromRoles(DefaultRoles), 5*time.Minute)

	caps, _ := r.Resolve(caller("sales_rep"))
	require.False(t, caps.Has(model.CapOpportunityClose))

	caps, _ = r.Resolve(caller("sales_manager"))
	assert.True(t, caps.Has(model.CapOpportunityClose), "promotion applies without waiting for the TTL")

	// Role order does not matter.
	ev := &countingEvaluator{}
	r = NewResolver(ev, time.Minute)
	_, _ = r.Resolve(caller("a", "b"))
	_, _ = r.Resolve(caller("b", "a", "a"))
	assert.Equal(t, 1, ev.calls)
}

func TestResolver_invalidateAndFlush(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, 5*time.Minute)
	other := &model.RequestContext{SubjectID: "rep-8", TenantID: "acme"}

	_, _ = r.Resolve(caller())
	_, _ = r.Resolve(other)
	_, _ = r.Resolve(caller())
	require.Equal(t, 2, ev.calls)

	r.Invalidate("rep-7", "acme")
	_, _ = r.Resolve(caller())
	_, _ = r.Resolve(other)
	assert.Equal(t, 3, ev.calls, "only rep-7 is refetched")

	r.Flush()
	_, _ = r.Resolve(caller())
	_, _ = r.Resolve(other)
	assert.Equal(t, 5, ev.calls)
}

func TestResolver_ttl(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, time.Minute)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, _ = r.Resolve(caller())
	now = now.Add(59 * time.Second)
	_, _ = r.Resolve(caller())
	assert.Equal(t, 1, ev.calls)

	now = now.Add(time.Second)
	_, _ = r.Resolve(caller())
	assert.Equal(t, 2, ev.calls)
}

func TestResolver_zeroTTLDisablesCache(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, 0)

	_, _ = r.Resolve(caller())
	_, _ = r.Resolve(caller())
	assert.Equal(t, 2, ev.calls)
	assert.Empty(t, r.entries)
}

func TestResolver_errorsAreNotCached(t *testing.T) {
	ev := &countingEvaluator{err: errors.New("policy unavailable")}
	r := NewResolver(ev, time.Minute)

	_, err := r.Resolve(caller())
	require.ErrorContains(t, err, "policy unavailable")

	ev.err = nil
	caps, err := r.Resolve(caller())
	require.NoError(t, err)
	assert.True(t, caps.Has(model.CapOpportunityView))
	assert.Equal(t, 2, ev.calls)
}
