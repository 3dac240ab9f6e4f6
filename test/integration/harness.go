// Package integration drives the dealflow HTTP API end to end: real router,
// middleware, JWT verification and executor over the in-memory store, with
// miniredis standing in for Redis when a test asks for it.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/idempotency"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/internal/transport"
	"github.com/pitabwire/dealflow/model"
)

// TestHarness is a dealflow server on an httptest listener, wired the way
// main wires it but over the in-memory store. The exported fields let
// tests seed data and inject failures.
type TestHarness struct {
	Store       *store.MemoryStore
	Catalog     *store.CachedCatalog
	Executor    *pipeline.Executor
	Guard       *idempotency.Guard
	CapResolver model.CapabilityResolver
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry
	Redis       *miniredis.Miniredis

	t      *testing.T
	cfg    *config.Config
	issuer *tokenIssuer
	server *httptest.Server
	client *http.Client
}

// HarnessOption configures NewTestHarness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	redis          bool
	handlerTimeout time.Duration
	timeColumns    []string
	catalogTTL     time.Duration
}

// WithPolicyFile replaces testdata/policies.yaml as the role policy.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithRedisIdempotency backs the idempotency guard with miniredis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithActivityTimeColumns limits the timestamp columns the activity table
// accepts, simulating older schemas.
func WithActivityTimeColumns(cols ...string) HarnessOption {
	return func(c *harnessConfig) { c.timeColumns = cols }
}

// WithCatalogCacheTTL sets the stage catalog cache TTL. Zero disables
// caching.
func WithCatalogCacheTTL(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.catalogTTL = d }
}

// NewTestHarness starts a server that is shut down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policyFile:     filepath.Join("testdata", "policies.yaml"),
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		Store:    store.NewMemoryStore(),
		Registry: prometheus.NewRegistry(),
		issuer:   newTokenIssuer(t),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	if len(hc.timeColumns) > 0 {
		h.Store.SetActivityTimeColumns(hc.timeColumns...)
	}
	traced := observability.NewTracedStore(h.Store)
	h.Catalog = store.NewCachedCatalog(traced, hc.catalogTTL)
	h.Metrics = observability.InitMetrics(h.Registry)

	policy, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	require.NoError(t, err, "policy %s", hc.policyFile)
	// A zero TTL makes every request re-resolve, so tests can swap roles.
	h.CapResolver = capability.NewResolver(policy, 0,
		capability.WithCacheCounters(h.Metrics.CapabilityCacheHitsTotal, h.Metrics.CapabilityCacheMissesTotal),
	)

	h.Executor = pipeline.NewExecutor(traced, h.Catalog, traced,
		pipeline.WithObserver(h.Metrics),
		pipeline.WithCapabilityResolver(h.CapResolver),
	)

	readiness := observability.ReadinessChecks{
		Store:        traced,
		PolicyLoaded: func() bool { return policy.RoleCount() > 0 },
	}
	var idemStore idempotency.Store = idempotency.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		rs := idempotency.NewRedisStore(rdb)
		idemStore, readiness.IdempotencyStore = rs, observability.CheckFunc(rs.Ping)
	}
	h.Guard = idempotency.NewGuard(h.Executor, idemStore,
		idempotency.WithTTL(time.Hour),
		idempotency.WithReplayHook(h.Metrics.RecordIdempotentReplay),
	)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Store.Driver = "memory"
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, transport.NewJWKSClient(h.cfg.Identity.JWKSURL, time.Hour)),
		CapabilityResolver: h.CapResolver,
		Opportunities:      h.Executor,
		Advancer:           h.Guard,
		Metrics:            h.Metrics,
		Gatherer:           h.Registry,
		Readiness:          readiness,
	}))
	t.Cleanup(h.server.Close)
	return h
}

// GenerateToken mints a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken mints a token whose exp has passed.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- Requests ---

func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodGet, path, nil, token, nil)
}

// POST sends body as JSON.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders is POST with extra request headers such as
// X-Idempotency-Key or X-Timezone.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodPost, path, body, token, headers)
}

// Advance submits a next step for the opportunity.
func (h *TestHarness) Advance(opportunityID, token string, body AdvanceBody) *http.Response {
	h.t.Helper()
	return h.POST("/api/opportunities/"+opportunityID+"/advance", body, token)
}

func (h *TestHarness) send(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&payload).Encode(body), "encode %s %s body", method, path)
	}
	req, err := http.NewRequest(method, h.server.URL+path, &payload)
	require.NoError(h.t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// --- Assertions ---

// AssertStatus checks the status code and closes the body. The body is
// included in the failure message.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		assert.Failf(t, "unexpected status", "got %d, want %d\nbody: %s", resp.StatusCode, want, body)
	}
}

// AssertJSON requires the status code and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, want, resp.StatusCode, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, target), "body: %s", body)
}

// AssertErrorCode checks the status and the envelope code of an error
// response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	assert.Equal(t, code, body.Error.Code, "message: %s", body.Error.Message)
}

// --- Fixtures ---

// AdvanceBody is the advance request payload.
type AdvanceBody struct {
	Note    string `json:"note"`
	DueDate string `json:"due_date,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// SeedOpportunity stores an open opportunity in tenant acme-corp on
// pipeline pipe-sales at the given stage literal.
func (h *TestHarness) SeedOpportunity(id, stage string) {
	h.Store.PutOpportunity(model.Opportunity{
		ID:             id,
		TenantID:       "acme-corp",
		PipelineID:     "pipe-sales",
		OrganizationID: "org-initech",
		Name:           "Initech platform deal",
		Amount:         decimal.RequireFromString("87500.00"),
		Currency:       "EUR",
		Stage:          stage,
		Probability:    10,
		Status:         model.OpportunityStatusOpen,
	})
	h.Store.PutOrganization("acme-corp", "org-initech", "Initech")
}

// SeedCatalog stores a stage catalog for pipe-sales. Discovery and
// Negotiation rows use their legacy literals.
func (h *TestHarness) SeedCatalog() {
	rows := []model.PipelineStage{
		{ID: "st-prospecting", Name: "Prospecting", SortOrder: 1, DefaultProbability: 5},
		{ID: "st-qualification", Name: "Qualification", SortOrder: 2, DefaultProbability: 15},
		{ID: "st-discovery", Name: "Approach/Discovery", SortOrder: 3, DefaultProbability: 30},
		{ID: "st-poc", Name: "Presentation/POC", SortOrder: 4, DefaultProbability: 50},
		{ID: "st-negotiation", Name: "Proposal/Negotiation", SortOrder: 5, DefaultProbability: 75},
		{ID: "st-won", Name: "Closed Won", SortOrder: 6, DefaultProbability: 100},
		{ID: "st-lost", Name: "Closed Lost", SortOrder: 7, DefaultProbability: 0},
	}
	for _, r := range rows {
		r.PipelineID = "pipe-sales"
		h.Store.PutStage(r)
	}
}

// RepClaims returns TestClaims for a sales_rep user.
func RepClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-rep",
		TenantID:  "acme-corp",
		Email:     "rep@acme.example.com",
		Roles:     []string{"sales_rep"},
	}
}

// ManagerClaims returns TestClaims for a sales_manager user.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-corp",
		Email:     "manager@acme.example.com",
		Roles:     []string{"sales_manager"},
	}
}

// ViewerClaims returns TestClaims for a read-only user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"pipeline_viewer"},
	}
}
