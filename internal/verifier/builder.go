package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Config collects every parameter Build needs. All durations are as
// configured by the operator, not yet validated.
type Config struct {
	Tenants []Tenant

	JWKSCacheTTL              time.Duration
	RefreshJWKSInterval       time.Duration
	RefreshTenantJWKSInterval time.Duration
	ProviderConnectTimeout    time.Duration
	ProviderTotalTimeout      time.Duration
	Retry                     RetryConfig

	// MetricsNamespace prefixes every Prometheus metric name. MetricsRegisterer
	// may be nil, in which case the verifier runs without metrics.
	MetricsNamespace  string
	MetricsRegisterer prometheus.Registerer
}

func (c Config) validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant must be configured")
	}
	seen := make(map[TenantID]struct{}, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant id must not be empty")
		}
		if t.JWKSURI == nil {
			return fmt.Errorf("tenant %s: jwks_uri must not be nil", t.ID)
		}
		if t.ExpectedIssuer == "" {
			return fmt.Errorf("tenant %s: expected_issuer must not be empty", t.ID)
		}
		if t.ExpectedAudience == "" {
			return fmt.Errorf("tenant %s: expected_audience must not be empty", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	if c.JWKSCacheTTL <= 0 {
		return fmt.Errorf("jwk_cache_ttl must be > 0, got %s", c.JWKSCacheTTL)
	}
	if c.RefreshJWKSInterval < MinBackgroundJWKSRefreshInterval {
		return fmt.Errorf("refresh_jwks_interval must be >= %s, got %s", MinBackgroundJWKSRefreshInterval, c.RefreshJWKSInterval)
	}
	if c.RefreshTenantJWKSInterval <= 0 {
		return fmt.Errorf("refresh_tenant_jwks_interval must be > 0, got %s", c.RefreshTenantJWKSInterval)
	}
	if c.ProviderConnectTimeout <= 0 || c.ProviderTotalTimeout <= 0 {
		return fmt.Errorf("provider connect and total timeouts must both be > 0")
	}
	return c.Retry.validate()
}

// Build constructs a Verifier, performing a fail-fast initial JWKS fetch for
// every configured tenant before returning. The initial fetch does not start
// a tenant's refresh cooldown, so the first cache miss after Build may
// refresh right away. If any tenant's
// initial fetch fails, construction fails as a whole and no background
// refresher is started. On success, a background refresher is spawned bound
// to ctx; call the returned Verifier's Stop (or cancel ctx yourself) to shut
// it down.
func Build(ctx context.Context, cfg Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, &InitError{Detail: "invalid configuration", Cause: err}
	}

	reg := newRegistry(cfg.Tenants)
	tenantIDs := reg.ids()

	provider, err := newJWKSProvider(cfg.ProviderConnectTimeout, cfg.ProviderTotalTimeout, cfg.Retry)
	if err != nil {
		return nil, &InitError{Detail: "constructing jwks provider", Cause: err}
	}

	m := newMetrics(cfg.MetricsRegisterer, cfg.MetricsNamespace)
	cache := newJWKSCache(cfg.JWKSCacheTTL, tenantIDs)
	coordinator := newRefreshCoordinator(provider, cache, reg, cfg.RefreshTenantJWKSInterval, m)

	for _, tenantID := range tenantIDs {
		if err := coordinator.refreshOne(ctx, tenantID); err != nil {
			return nil, &InitError{Detail: fmt.Sprintf("initial jwks fetch failed for tenant %s", tenantID), Cause: err}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	refresher := newBackgroundRefresher(coordinator, cache, cfg.RefreshJWKSInterval)
	go refresher.run(runCtx)

	log.Info().Int("tenant_count", len(tenantIDs)).Msg("verifier initialized, background refresher started")

	return &Verifier{
		registry:    reg,
		cache:       cache,
		coordinator: coordinator,
		metrics:     m,
		cancel:      cancel,
	}, nil
}
