// Package capability turns a caller's roles into the capability set the
// opportunity routes check, with a short-lived per-caller cache.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/dealflow/model"
)

// principal identifies whose capabilities an entry holds.
type principal struct {
	subject string
	tenant  string
}

type cached struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver over a PolicyEvaluator.
// Entries are keyed by principal and then by the sorted role list, so a
// token carrying different roles is never served another token's set.
// A zero ttl disables caching.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	now       func() time.Time
	hits      prometheus.Counter
	misses    prometheus.Counter

	mu      sync.RWMutex
	entries map[principal]map[string]cached
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheCounters counts cache hits and misses.
func WithCacheCounters(hits, misses prometheus.Counter) ResolverOption {
	return func(r *Resolver) {
		r.hits, r.misses = hits, misses
	}
}

func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		entries:   map[principal]map[string]cached{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the capability set for rctx.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	who := principal{subject: rctx.SubjectID, tenant: rctx.TenantID}
	roles := strings.Join(rctx.SortedRoles(), ",")
	now := r.now()

	r.mu.RLock()
	entry, ok := r.entries[who][roles]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		inc(r.hits)
		return entry.caps, nil
	}
	inc(r.misses)

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}
	if r.ttl <= 0 {
		return caps, nil
	}

	r.mu.Lock()
	byRoles := r.entries[who]
	if byRoles == nil {
		byRoles = map[string]cached{}
		r.entries[who] = byRoles
	}
	for k, e := range byRoles {
		if !now.Before(e.expires) {
			delete(byRoles, k)
		}
	}
	byRoles[roles] = cached{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return caps, nil
}

// Invalidate drops every cached set for the subject in tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.mu.Lock()
	delete(r.entries, principal{subject: subjectID, tenant: tenantID})
	r.mu.Unlock()
}

// Flush drops the whole cache, e.g. after the policy is reloaded.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.entries)
	r.mu.Unlock()
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
