package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/model"
)

// DefaultTTL is how long a completed advance is remembered.
const DefaultTTL = 24 * time.Hour

// ReservationTTL bounds how long an in-flight submission holds its key if
// the process dies before storing or releasing it.
const ReservationTTL = 2 * time.Minute

// Advancer is the operation being deduplicated.
type Advancer interface {
	Advance(ctx context.Context, rctx *model.RequestContext, req pipeline.AdvanceRequest) (pipeline.AdvanceResult, error)
}

// Guard wraps an Advancer so that a retried submission with the same key
// and the same input returns the first result instead of advancing twice.
type Guard struct {
	next     Advancer
	store    Store
	ttl      time.Duration
	logger   *zap.Logger
	onReplay func(ctx context.Context)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithTTL sets how long results are kept.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithReplayHook registers fn to run whenever a cached result is replayed.
func WithReplayHook(fn func(ctx context.Context)) GuardOption {
	return func(g *Guard) { g.onReplay = fn }
}

// NewGuard creates a Guard. A nil store disables deduplication.
func NewGuard(next Advancer, store Store, opts ...GuardOption) *Guard {
	g := &Guard{next: next, store: store, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Advance runs req through the wrapped Advancer unless key has already been
// used. replayed is true when the result came from the store. An empty key
// bypasses deduplication.
func (g *Guard) Advance(ctx context.Context, rctx *model.RequestContext, key string, req pipeline.AdvanceRequest) (result pipeline.AdvanceResult, replayed bool, err error) {
	if key == "" || g.store == nil || rctx == nil {
		result, err = g.next.Advance(ctx, rctx, req)
		return result, false, err
	}

	storeKey := FormatKey(rctx.TenantID, rctx.SubjectID, key)
	hash := HashRequest(req)

	cached, found, err := g.store.Check(ctx, storeKey, hash)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return pipeline.AdvanceResult{}, false, err
		}
		// An unreachable store must not block the advance.
		g.logger.Warn("idempotency check failed", zap.String("key", storeKey), zap.Error(err))
	}
	if found && cached != nil {
		if g.onReplay != nil {
			g.onReplay(ctx)
		}
		return *cached, true, nil
	}

	reserved, err := g.store.Reserve(ctx, storeKey, hash, ReservationTTL)
	if err != nil {
		g.logger.Warn("idempotency reserve failed", zap.String("key", storeKey), zap.Error(err))
	} else if !reserved {
		// Another submission claimed the key between Check and Reserve.
		return g.replayOrReject(ctx, storeKey, hash)
	}

	result, err = g.next.Advance(ctx, rctx, req)
	if err != nil {
		if reserved {
			if relErr := g.store.Release(ctx, storeKey); relErr != nil {
				g.logger.Warn("idempotency release failed", zap.String("key", storeKey), zap.Error(relErr))
			}
		}
		return result, false, err
	}
	if err := g.store.Store(ctx, storeKey, hash, result, g.ttl); err != nil {
		g.logger.Warn("idempotency store failed", zap.String("key", storeKey), zap.Error(err))
	}
	return result, false, nil
}

func (g *Guard) replayOrReject(ctx context.Context, storeKey, hash string) (pipeline.AdvanceResult, bool, error) {
	cached, found, err := g.store.Check(ctx, storeKey, hash)
	if err != nil {
		return pipeline.AdvanceResult{}, false, err
	}
	if found && cached != nil {
		if g.onReplay != nil {
			g.onReplay(ctx)
		}
		return *cached, true, nil
	}
	// The other claim was released or lapsed in between.
	return pipeline.AdvanceResult{}, false, inFlight(storeKey)
}

// FormatKey builds the storage key for a client-supplied idempotency key.
// Keys are scoped to the caller so two users cannot collide.
func FormatKey(tenantID, subjectID, key string) string {
	return fmt.Sprintf("idem:advance:%s:%s:%s", tenantID, subjectID, key)
}

// HashRequest produces a deterministic hash of an AdvanceRequest.
func HashRequest(req pipeline.AdvanceRequest) string {
	var due string
	if req.DueDate != nil {
		due = req.DueDate.UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal([]string{req.OpportunityID, req.Note, due, req.Outcome})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
