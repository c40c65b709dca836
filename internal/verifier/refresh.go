package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RefreshOutcome is what a single maybe_refresh caller observed. Every
// outcome except RecentlyRefreshed implies someone attempted (and, for
// Refreshed with a nil error, successfully merged) new keys.
type RefreshOutcome int

const (
	// Refreshed means this caller was the refresher and it succeeded.
	Refreshed RefreshOutcome = iota
	// RecentlyRefreshed means the cooldown suppressed this attempt.
	RecentlyRefreshed
	// WaitedForRefresh means this caller waited on another in-flight
	// refresh (which may have succeeded or failed).
	WaitedForRefresh
)

func (o RefreshOutcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case RecentlyRefreshed:
		return "recently_refreshed"
	case WaitedForRefresh:
		return "waited_for_refresh"
	default:
		return "unknown"
	}
}

// tenantRefreshState is the per-tenant single-flight + cooldown state,
// guarded by a fast mutex that is never held across I/O.
type tenantRefreshState struct {
	mu              sync.Mutex
	lastRefreshedAt time.Time
	hasRefreshed    bool
	refreshing      bool
	done            chan struct{} // closed to broadcast completion to waiters
}

// refreshCoordinator serializes concurrent refresh attempts per tenant and
// enforces a minimum interval between successful refresh attempts.
type refreshCoordinator struct {
	provider *jwksProvider
	cache    *jwksCache
	registry *registry
	interval time.Duration
	metrics  *metrics

	statesMu sync.Mutex
	states   map[TenantID]*tenantRefreshState
}

func newRefreshCoordinator(provider *jwksProvider, cache *jwksCache, reg *registry, interval time.Duration, m *metrics) *refreshCoordinator {
	return &refreshCoordinator{
		provider: provider,
		cache:    cache,
		registry: reg,
		interval: interval,
		metrics:  m,
		states:   make(map[TenantID]*tenantRefreshState),
	}
}

func (c *refreshCoordinator) stateFor(tenantID TenantID) *tenantRefreshState {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	s, ok := c.states[tenantID]
	if !ok {
		s = &tenantRefreshState{}
		c.states[tenantID] = s
	}
	return s
}

// maybeRefresh implements the single-flight-with-cooldown algorithm: the
// first caller past cooldown does the fetch, concurrent callers wait on a
// broadcast signal instead of polling. The state mutex is only ever held
// for bookkeeping; the upstream fetch and cache merge happen with it
// released.
func (c *refreshCoordinator) maybeRefresh(ctx context.Context, tenantID TenantID) (RefreshOutcome, error) {
	state := c.stateFor(tenantID)

	state.mu.Lock()
	now := time.Now()
	if state.hasRefreshed && now.Sub(state.lastRefreshedAt) < c.interval {
		state.mu.Unlock()
		if c.metrics != nil {
			c.metrics.observeRefresh(tenantID, RecentlyRefreshed)
		}
		return RecentlyRefreshed, nil
	}
	if state.refreshing {
		done := state.done
		state.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return WaitedForRefresh, ctx.Err()
		}
		if c.metrics != nil {
			c.metrics.observeRefresh(tenantID, WaitedForRefresh)
		}
		return WaitedForRefresh, nil
	}

	// This caller is the refresher.
	state.refreshing = true
	state.done = make(chan struct{})
	doneCh := state.done
	state.mu.Unlock()

	err := c.refreshOne(ctx, tenantID)

	state.mu.Lock()
	state.refreshing = false
	if err == nil {
		state.lastRefreshedAt = time.Now()
		state.hasRefreshed = true
	}
	close(doneCh)
	state.mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.observeRefreshError(tenantID)
		}
		return Refreshed, err
	}
	if c.metrics != nil {
		c.metrics.observeRefresh(tenantID, Refreshed)
	}
	return Refreshed, nil
}

// refreshOne fetches and merges JWKs for a single tenant. Never called with
// the state mutex held.
func (c *refreshCoordinator) refreshOne(ctx context.Context, tenantID TenantID) error {
	tenant, ok := c.registry.get(tenantID)
	if !ok {
		return &InitError{Detail: "refresh requested for unregistered tenant " + string(tenantID)}
	}
	start := time.Now()
	resp, err := c.provider.fetch(ctx, tenant.JWKSURI.String())
	if c.metrics != nil {
		c.metrics.jwksFetchLatency.WithLabelValues(string(tenantID)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	c.cache.merge(tenantID, resp.Keys, time.Now())
	return nil
}

// refreshAllTenants refreshes every registered tenant, subject to the same
// single-flight/cooldown discipline. Failures are logged and skipped;
// processing continues to the next tenant.
func (c *refreshCoordinator) refreshAllTenants(ctx context.Context) {
	for _, tenantID := range c.registry.ids() {
		if _, err := c.maybeRefresh(ctx, tenantID); err != nil {
			log.Warn().Str("tenant_id", string(tenantID)).Err(err).
				Msg("background jwks refresh failed for tenant, skipping")
		}
	}
}
