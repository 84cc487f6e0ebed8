// Package idempotency suppresses re-application of webhook events.
//
// Three layers, cheapest first: a redis marker written after an event was
// applied, singleflight to coalesce concurrent deliveries inside one process,
// and the durable check against stored payment and escrow state, which is the
// only one correctness depends on.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
)

const markerPrefix = "webhook:done:"

type Guard struct {
	rdb   *redis.Client
	ttl   time.Duration
	log   *zap.Logger
	group singleflight.Group
}

// NewGuard accepts a nil client; the marker layer is then skipped.
func NewGuard(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{rdb: rdb, ttl: ttl, log: logger.OrNop(log)}
}

// Seen reports whether key was marked done. Redis errors count as not seen.
func (g *Guard) Seen(ctx context.Context, key string) bool {
	if g.rdb == nil {
		return false
	}
	n, err := g.rdb.Exists(ctx, markerPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.log.Warn("idempotency marker lookup failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return n > 0
}

func (g *Guard) MarkDone(ctx context.Context, key string) {
	if g.rdb == nil {
		return
	}
	if err := g.rdb.Set(ctx, markerPrefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Err(); err != nil {
		g.log.Warn("idempotency marker write failed", zap.String("key", key), zap.Error(err))
	}
}

// Do runs fn once per key among concurrent callers; the others share its
// result. shared reports whether the result was handed to more than one caller.
func (g *Guard) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return g.group.Do(key, fn)
}

// Applied is the durable check, run inside the transaction that holds the
// payment row lock. It reports whether ev's effects are already in storage.
func Applied(ctx context.Context, r uow.Repos, p *payment.Payment, ev payment.Event) (bool, error) {
	switch ev.TargetStatus() {
	case payment.StatusCompleted:
		if p.Status == payment.StatusCompleted || p.Status == payment.StatusRefunded {
			return true, nil
		}
		return r.Escrow.HasEntryForPayment(ctx, p.PaymentID, escrowDomain.EntryDeposit)
	case payment.StatusRefunded:
		if p.Status == payment.StatusRefunded {
			return true, nil
		}
		return r.Escrow.HasEntryForPayment(ctx, p.PaymentID, escrowDomain.EntryRefund)
	case payment.StatusProcessing:
		return p.Status != payment.StatusPending, nil
	default:
		return p.Status == ev.TargetStatus(), nil
	}
}
