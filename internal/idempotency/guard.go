package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/logger"
	"taskstream/pkg/metrics"
	"taskstream/pkg/tracing"
)

// Guard is the processed-event check shared by every consumer. A key is
// scoped to (event ID, consumer name) so two services can each process the
// same event once without interfering with each other.
//
// CheckAndMark claims the key atomically before the handler runs, which
// closes the race between two concurrent deliveries of the same event. The
// cost is that a handler failure leaves a claimed key behind; callers undo
// the claim with Release so the broker's redelivery gets a fresh attempt.
type Guard struct {
	repo   Repository
	cfg    config.IdempotencyConfig
	logger logger.Logger
}

func NewGuard(repo Repository, cfg config.IdempotencyConfig, log logger.Logger) *Guard {
	return &Guard{repo: repo, cfg: cfg, logger: log}
}

func key(eventID, consumer string) string {
	return constants.ProcessedKeyPrefix + eventID + ":" + consumer
}

// CheckAndMark returns true if this consumer has not seen the event before,
// claiming it in the same operation. False means a duplicate: the caller
// must skip processing and acknowledge the delivery.
//
// When the store is unreachable the guard fails closed: with on_redis_error
// "fail" it returns the error so the delivery is redelivered later; with
// "deny" it reports a duplicate so the event is dropped. It never reports
// first-delivery on error.
func (g *Guard) CheckAndMark(ctx context.Context, eventID, consumer string) (bool, error) {
	ctx, span := tracing.GetTracer(consumer).Start(ctx, "idempotency.check_and_mark")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	if eventID == "" {
		return false, fmt.Errorf("event ID is required for idempotency check")
	}
	if consumer == "" {
		return false, fmt.Errorf("consumer name is required for idempotency check")
	}

	first, err := g.repo.SetNX(ctx, key(eventID, consumer), time.Now().Unix(), g.ttl())
	if err != nil {
		metrics.IncIdempotencyCheck(consumer, "error")

		if strings.EqualFold(g.cfg.OnRedisError, constants.FallbackDeny) {
			g.logger.WarnwCtx(ctx, "Idempotency store error, dropping event (fallback: deny)",
				"error", err,
				"event_id", eventID,
				"consumer", consumer,
			)
			return false, nil
		}

		return false, fmt.Errorf("idempotency check for event %s failed: %w", eventID, err)
	}

	if first {
		metrics.IncIdempotencyCheck(consumer, "first")
	} else {
		metrics.IncIdempotencyCheck(consumer, "duplicate")
		g.logger.InfowCtx(ctx, "Skipping duplicate event",
			"event_id", eventID,
			"consumer", consumer,
		)
	}

	return first, nil
}

// Release undoes a claim made by CheckAndMark after the handler failed, so
// a redelivery is treated as a first delivery again. A release failure is
// logged and swallowed: the key expires with its TTL and the worst case is
// a skipped retry, not a double apply.
func (g *Guard) Release(ctx context.Context, eventID, consumer string) {
	if err := g.repo.Delete(ctx, key(eventID, consumer)); err != nil {
		g.logger.ErrorwCtx(ctx, "Failed to release idempotency claim",
			"error", err,
			"event_id", eventID,
			"consumer", consumer,
		)
	}
}

func (g *Guard) ttl() time.Duration {
	if g.cfg.TTLSeconds > 0 {
		return time.Duration(g.cfg.TTLSeconds) * time.Second
	}
	return constants.DefaultIdempotencyTTL
}
