package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/oidcguard/tenant-jwks-verifier/internal/verifier"
	"github.com/prometheus/client_golang/prometheus"
)

// appConfig is parsed from the environment with envconfig and enforced with
// validator/v10, the same Load(env vars) -> validate.Struct(spec) pipeline
// godamri-helix-fnd/app uses.
type appConfig struct {
	Env         string `envconfig:"ENV" default:""`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseURL string `envconfig:"AUDIT_DATABASE_URL" default:""`

	TenantRegistryFile string `envconfig:"TENANT_REGISTRY_FILE" validate:"required"`

	JWKSCacheTTL              time.Duration `envconfig:"JWKS_CACHE_TTL" default:"1h"`
	RefreshJWKSInterval       time.Duration `envconfig:"REFRESH_JWKS_INTERVAL" default:"1h"`
	RefreshTenantJWKSInterval time.Duration `envconfig:"REFRESH_TENANT_JWKS_INTERVAL" default:"5m"`
	ProviderConnectTimeout    time.Duration `envconfig:"PROVIDER_CONNECT_TIMEOUT" default:"5s"`
	ProviderTotalTimeout      time.Duration `envconfig:"PROVIDER_TOTAL_TIMEOUT" default:"10s"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	RetryInitialWait time.Duration `envconfig:"RETRY_INITIAL_WAIT" default:"200ms"`
	RetryMultiplier  float64       `envconfig:"RETRY_MULTIPLIER" default:"2.0" validate:"min=1"`
	RetryJitterMin   float64       `envconfig:"RETRY_JITTER_MIN" default:"0.8"`
	RetryJitterMax   float64       `envconfig:"RETRY_JITTER_MAX" default:"1.2"`
	RetryMaxWait     time.Duration `envconfig:"RETRY_MAX_WAIT" default:"30s"`

	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"jwksverifier"`
	CORSOrigins      string `envconfig:"CORS_ORIGINS" default:""`

	OBOClientID     string `envconfig:"OBO_CLIENT_ID" default:""`
	OBOClientSecret string `envconfig:"OBO_CLIENT_SECRET" default:""`
}

// tenantRecord is the on-disk shape of one entry in TenantRegistryFile.
type tenantRecord struct {
	ID               string `json:"id"`
	JWKSURI          string `json:"jwks_uri"`
	ExpectedIssuer   string `json:"expected_issuer"`
	ExpectedAudience string `json:"expected_audience"`
}

func loadAppConfig() (*appConfig, error) {
	var cfg appConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process env vars: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *appConfig) loadTenants() ([]verifier.Tenant, error) {
	data, err := os.ReadFile(c.TenantRegistryFile)
	if err != nil {
		return nil, fmt.Errorf("reading tenant registry file %s: %w", c.TenantRegistryFile, err)
	}
	var records []tenantRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing tenant registry file %s: %w", c.TenantRegistryFile, err)
	}

	tenants := make([]verifier.Tenant, 0, len(records))
	for _, rec := range records {
		uri, err := url.Parse(rec.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: invalid jwks_uri %q: %w", rec.ID, rec.JWKSURI, err)
		}
		tenants = append(tenants, verifier.Tenant{
			ID:               verifier.TenantID(rec.ID),
			JWKSURI:          uri,
			ExpectedIssuer:   rec.ExpectedIssuer,
			ExpectedAudience: rec.ExpectedAudience,
		})
	}
	return tenants, nil
}

func (c *appConfig) verifierConfig(tenants []verifier.Tenant) verifier.Config {
	return verifier.Config{
		Tenants:                   tenants,
		JWKSCacheTTL:              c.JWKSCacheTTL,
		RefreshJWKSInterval:       c.RefreshJWKSInterval,
		RefreshTenantJWKSInterval: c.RefreshTenantJWKSInterval,
		ProviderConnectTimeout:    c.ProviderConnectTimeout,
		ProviderTotalTimeout:      c.ProviderTotalTimeout,
		Retry: verifier.RetryConfig{
			MaxAttempts: c.RetryMaxAttempts,
			InitialWait: c.RetryInitialWait,
			Multiplier:  c.RetryMultiplier,
			JitterMin:   c.RetryJitterMin,
			JitterMax:   c.RetryJitterMax,
			MaxWait:     c.RetryMaxWait,
		},
		MetricsNamespace:  c.MetricsNamespace,
		MetricsRegisterer: prometheus.DefaultRegisterer,
	}
}

func (c *appConfig) corsOrigins() []string {
	if strings.TrimSpace(c.CORSOrigins) == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
