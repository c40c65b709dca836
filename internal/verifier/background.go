package verifier

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// MinBackgroundJWKSRefreshInterval is the lower bound placed
// on refresh_jwks_interval, a guard against hammering the identity
// provider.
const MinBackgroundJWKSRefreshInterval = 30 * time.Minute

// backgroundRefresher periodically refreshes every tenant and runs cache
// cleanup until its cancellation context is done.
type backgroundRefresher struct {
	coordinator *refreshCoordinator
	cache       *jwksCache
	interval    time.Duration
}

func newBackgroundRefresher(coordinator *refreshCoordinator, cache *jwksCache, interval time.Duration) *backgroundRefresher {
	return &backgroundRefresher{coordinator: coordinator, cache: cache, interval: interval}
}

// run blocks until ctx is cancelled. The first tick does not fire
// immediately: time.NewTicker only fires after the first full interval
// elapses.
func (r *backgroundRefresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("background jwks refresher shutting down")
			return
		case now := <-ticker.C:
			log.Info().Msg("refreshing all tenants' jwks caches")
			r.coordinator.refreshAllTenants(ctx)
			log.Info().Msg("cleaning up expired jwks cache entries")
			r.cache.cleanup(now)
		}
	}
}
