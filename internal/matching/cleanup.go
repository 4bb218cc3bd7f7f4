package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/metrics"
)

// DefaultCleanupInterval is used when StartCleanup gets a non-positive interval.
const DefaultCleanupInterval = time.Minute

// StartCleanup runs a background loop that deletes expired pigeons until ctx
// is cancelled. Expired pigeons are already hidden from listings; this only
// reclaims storage.
func StartCleanup(ctx context.Context, repo Repository, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log = log.Named("cleanup")
	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := Purge(ctx, repo, log); err != nil {
				log.Warn("purge expired pigeons", zap.Error(err))
			}
		}
	}
}

// Purge deletes every pigeon expired at the current time and returns how
// many were removed.
func Purge(ctx context.Context, repo Repository, log *zap.Logger) (int, error) {
	n, err := repo.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.PigeonsTotal.WithLabelValues("purged").Add(float64(n))
		log.Info("purged expired pigeons", zap.Int("count", n))
	}
	return n, nil
}
