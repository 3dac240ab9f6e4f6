package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/dealflow/internal/store"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "dealflow" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_memoryStoreHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store: NewTracedStore(store.NewMemoryStore()),
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["store"].Status != "ok" {
		t.Errorf("store = %q, want ok", resp.Checks["store"].Status)
	}
	if _, ok := resp.Checks["idempotency_store"]; ok {
		t.Error("idempotency_store should not be checked when not configured")
	}
}

func TestHandleReady_storePingFails(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.FailNext(store.OpPing, errors.New("connection refused"))

	code, resp := serveReady(t, ReadinessChecks{Store: NewTracedStore(mem)})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["store"].Error != "connection refused" {
		t.Errorf("store error = %q", resp.Checks["store"].Error)
	}
}

func TestHandleReady_noStoreConfigured(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["store"].Status != "error" {
		t.Errorf("store = %q, want error", resp.Checks["store"].Status)
	}
}

func TestHandleReady_redisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	checks := ReadinessChecks{
		Store: &mockHealthChecker{},
		IdempotencyStore: CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
	}

	code, resp := serveReady(t, checks)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Checks["idempotency_store"].Status != "ok" {
		t.Errorf("idempotency_store = %q, want ok", resp.Checks["idempotency_store"].Status)
	}

	mr.Close()

	code, resp = serveReady(t, checks)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status after redis shutdown = %d, want 503", code)
	}
	if resp.Checks["idempotency_store"].Error == "" {
		t.Error("idempotency_store should report the ping error")
	}
}

func TestHandleReady_policyNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store:        &mockHealthChecker{},
		PolicyLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["capability_policy"].Error != "no capability policy loaded" {
		t.Errorf("capability_policy = %+v", resp.Checks["capability_policy"])
	}
	if resp.Checks["store"].Status != "ok" {
		t.Errorf("store = %q, want ok", resp.Checks["store"].Status)
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		Store:            &mockHealthChecker{err: errors.New("pg down")},
		IdempotencyStore: &mockHealthChecker{err: errors.New("redis down")},
		PolicyLoaded:     func() bool { return true },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if len(resp.Checks) != 3 {
		t.Fatalf("checks = %d, want 3", len(resp.Checks))
	}
	failed := 0
	for _, c := range resp.Checks {
		if c.Status == "error" {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("failed checks = %d, want 2", failed)
	}
}

func TestCheckFunc(t *testing.T) {
	want := errors.New("nope")
	var hc HealthChecker = CheckFunc(func(context.Context) error { return want })
	if err := hc.HealthCheck(context.Background()); !errors.Is(err, want) {
		t.Errorf("HealthCheck() = %v, want %v", err, want)
	}
}
