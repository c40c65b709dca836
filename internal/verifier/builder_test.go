package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func baseTestConfig(t *testing.T, tenants []Tenant) Config {
	t.Helper()
	return Config{
		Tenants:                   tenants,
		JWKSCacheTTL:              time.Hour,
		RefreshJWKSInterval:       MinBackgroundJWKSRefreshInterval,
		RefreshTenantJWKSInterval: time.Minute,
		ProviderConnectTimeout:    time.Second,
		ProviderTotalTimeout:      time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 2, JitterMin: 1, JitterMax: 1, MaxWait: time.Second,
		},
	}
}

func TestBuild_RejectsEmptyTenantList(t *testing.T) {
	_, err := Build(context.Background(), baseTestConfig(t, nil))
	if err == nil {
		t.Fatalf("expected Build to reject an empty tenant list")
	}
}

func TestBuild_RejectsRefreshIntervalBelowMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()
	uri, _ := url.Parse(srv.URL)

	cfg := baseTestConfig(t, []Tenant{{ID: "T1", JWKSURI: uri, ExpectedIssuer: "i", ExpectedAudience: "a"}})
	cfg.RefreshJWKSInterval = time.Minute
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected Build to reject a refresh_jwks_interval below the minimum")
	}
}

func TestBuild_FailsFastWhenInitialFetchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	uri, _ := url.Parse(srv.URL)

	cfg := baseTestConfig(t, []Tenant{{ID: "T1", JWKSURI: uri, ExpectedIssuer: "i", ExpectedAudience: "a"}})
	cfg.Retry.MaxAttempts = 1
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected Build to fail fast when the initial jwks fetch fails")
	}
}

func TestBuild_SucceedsAndStopCancelsBackgroundRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()
	uri, _ := url.Parse(srv.URL)

	cfg := baseTestConfig(t, []Tenant{{ID: "T1", JWKSURI: uri, ExpectedIssuer: "i", ExpectedAudience: "a"}})
	v, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	v.Stop()
	v.Stop() // must be safe to call twice
}

func TestConfig_ValidateRejectsTenantMissingFields(t *testing.T) {
	cfg := baseTestConfig(t, []Tenant{{ID: "T1"}})
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validation failure for tenant missing jwks_uri/issuer/audience")
	}
}
