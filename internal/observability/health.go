package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build metadata, set from main.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness check names as they appear in the /ready body.
const (
	CheckStore            = "store"
	CheckIdempotencyStore = "idempotency_store"
	CheckCapabilityPolicy = "capability_policy"

	checkTimeout = 2 * time.Second
)

var (
	errNoStore      = errors.New("no store configured")
	errPolicyAbsent = errors.New("no capability policy loaded")
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /ready body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function such as (*idempotency.RedisStore).Ping.
type CheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists the dependencies /ready probes. Store is always
// probed and a nil Store reports not ready; the rest only when set.
type ReadinessChecks struct {
	Store            HealthChecker
	IdempotencyStore HealthChecker
	PolicyLoaded     func() bool
}

func (c ReadinessChecks) probes() map[string]HealthChecker {
	p := map[string]HealthChecker{
		CheckStore: c.Store,
	}
	if c.Store == nil {
		p[CheckStore] = CheckFunc(func(context.Context) error { return errNoStore })
	}
	if c.IdempotencyStore != nil {
		p[CheckIdempotencyStore] = c.IdempotencyStore
	}
	if loaded := c.PolicyLoaded; loaded != nil {
		p[CheckCapabilityPolicy] = CheckFunc(func(context.Context) error {
			if !loaded() {
				return errPolicyAbsent
			}
			return nil
		})
	}
	return p
}

// HandleHealth serves the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: ServiceName,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves the readiness probe. Probes run concurrently, each
// bounded by its own timeout; any failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make(map[string]CheckResult, len(probes))

		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, probe := range probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), probe)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp, code := ReadinessResponse{Status: "ready", Checks: results}, http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
