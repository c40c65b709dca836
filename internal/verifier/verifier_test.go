package verifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mockJWKSServer issues RS256 tokens and serves the matching JWKS document.
// Its key set can be swapped mid-test to simulate an upstream key rotation
// (scenario E3).
type mockJWKSServer struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	hits int32
	srv  *httptest.Server
}

func newMockJWKSServer(t *testing.T) *mockJWKSServer {
	t.Helper()
	m := &mockJWKSServer{keys: make(map[string]*rsa.PrivateKey)}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serveJWKS))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockJWKSServer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&m.hits, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var resp jwksResponse
	for kid, key := range m.keys {
		resp.Keys = append(resp.Keys, Jwk{
			Kid: kid,
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
	}
	json.NewEncoder(w).Encode(resp)
}

func (m *mockJWKSServer) addKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	m.mu.Lock()
	m.keys[kid] = key
	m.mu.Unlock()
	return key
}

func (m *mockJWKSServer) jwksURI(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(m.srv.URL)
	if err != nil {
		t.Fatalf("parse jwks uri: %v", err)
	}
	return u
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func buildTestVerifier(t *testing.T, tenants []Tenant, interval time.Duration) *Verifier {
	t.Helper()
	v, err := Build(context.Background(), Config{
		Tenants:                   tenants,
		JWKSCacheTTL:              time.Hour,
		RefreshJWKSInterval:       MinBackgroundJWKSRefreshInterval,
		RefreshTenantJWKSInterval: interval,
		ProviderConnectTimeout:    time.Second,
		ProviderTotalTimeout:      time.Second,
		Retry: RetryConfig{
			MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 2, JitterMin: 1, JitterMax: 1, MaxWait: time.Second,
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(v.Stop)
	return v
}

func TestVerify_E1HappyPath(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"tid": "T1",
		"oid": "o1",
		"sub": "s1",
	})

	claims, err := v.Verify(context.Background(), NewBearerToken(token))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Aud != "api://T1" || claims.Iss != tenant.ExpectedIssuer || claims.Oid != "o1" || claims.Sub != "s1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", claims.Roles)
	}
}

func TestVerify_E2WrongAudience(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": "api://OTHER",
		"exp": time.Now().Add(time.Hour).Unix(),
		"tid": "T1",
	})

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonVerifyTokenError {
		t.Fatalf("expected VerifyTokenError, got %v", err)
	}
}

func TestVerify_E3UnknownKidTriggersRefresh(t *testing.T) {
	m := newMockJWKSServer(t)
	key1 := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Millisecond)

	if atomic.LoadInt32(&m.hits) != 1 {
		t.Fatalf("expected exactly one initial jwks fetch during Build, got %d", m.hits)
	}

	key2 := m.addKey(t, "k2")
	_ = key1
	token := signToken(t, key2, "k2", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"tid": "T1",
	})

	claims, err := v.Verify(context.Background(), NewBearerToken(token))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Iss != tenant.ExpectedIssuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got := atomic.LoadInt32(&m.hits); got != 2 {
		t.Fatalf("expected exactly two jwks fetches (initial + on-demand), got %d", got)
	}
}

func TestVerify_E4CommonIssuerRejectedWithoutNetworkIO(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	hitsBefore := atomic.LoadInt32(&m.hits)
	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": "https://login.example/common/v2.0",
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonDisallowedIssuerTenant || uerr.DisallowedAs != IssuerTenantCommon {
		t.Fatalf("expected DisallowedIssuerTenant(common), got %v", err)
	}
	if atomic.LoadInt32(&m.hits) != hitsBefore {
		t.Fatalf("disallowed issuer tenant must not trigger any network I/O")
	}
}

func TestVerify_E5CooldownSuppressesSecondFetch(t *testing.T) {
	m := newMockJWKSServer(t)
	key1 := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, 60*time.Second)
	_ = key1

	// k2 is never published by the mock upstream, so it stays unknown.
	key2, genErr := rsa.GenerateKey(rand.Reader, 2048)
	if genErr != nil {
		t.Fatalf("generate rsa key: %v", genErr)
	}
	token := signToken(t, key2, "k2", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	hitsAfterInit := atomic.LoadInt32(&m.hits)

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonDecodingKeyNotFound {
		t.Fatalf("expected first call to miss with DecodingKeyNotFound after one on-demand fetch, got %v", err)
	}
	if got := atomic.LoadInt32(&m.hits) - hitsAfterInit; got != 1 {
		t.Fatalf("expected exactly one on-demand fetch, got %d", got)
	}

	_, err = v.Verify(context.Background(), NewBearerToken(token))
	if !errors.As(err, &uerr) || uerr.Reason != ReasonDecodingKeyNotFound {
		t.Fatalf("expected second call to also miss, got %v", err)
	}
	if got := atomic.LoadInt32(&m.hits) - hitsAfterInit; got != 1 {
		t.Fatalf("cooldown should suppress the second on-demand fetch, got %d total fetches since init", got)
	}
}

func TestVerify_HeaderMissingKid(t *testing.T) {
	m := newMockJWKSServer(t)
	m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"https://issuer.example/T1/v2.0"}`))
	token := header + "." + payload + ".sig"

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonHeaderMissingKid {
		t.Fatalf("expected HeaderMissingKid, got %v", err)
	}
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	m := newMockJWKSServer(t)
	m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","kid":"k1"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"iss":"https://issuer.example/T1/v2.0"}`))
	token := header + "." + payload + ".sig"

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonUnsupportedAlgorithm {
		t.Fatalf("expected UnsupportedAlgorithm, got %v", err)
	}
}

func TestVerify_MalformedTokenFormat(t *testing.T) {
	m := newMockJWKSServer(t)
	m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	_, err := v.Verify(context.Background(), NewBearerToken("not-a-jwt"))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonInvalidTokenFormat {
		t.Fatalf("expected InvalidTokenFormat, got %v", err)
	}
}

func TestVerify_TenantNotFound(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": "https://issuer.example/T1/v2.0",
		"aud": "api://T1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"tid": "unregistered-tenant",
	})

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonTenantNotFound {
		t.Fatalf("expected TenantNotFound, got %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(-time.Hour).Unix(),
		"tid": "T1",
	})

	_, err := v.Verify(context.Background(), NewBearerToken(token))
	var uerr *UnauthorizedTokenError
	if !errors.As(err, &uerr) || uerr.Reason != ReasonVerifyTokenError {
		t.Fatalf("expected VerifyTokenError for expired token, got %v", err)
	}
}

func TestVerify_IssuerPathSegmentClassifiesTenantWithoutTid(t *testing.T) {
	m := newMockJWKSServer(t)
	key := m.addKey(t, "k1")
	tenant := Tenant{ID: "T1", JWKSURI: m.jwksURI(t), ExpectedIssuer: "https://issuer.example/T1/v2.0", ExpectedAudience: "api://T1"}
	v := buildTestVerifier(t, []Tenant{tenant}, time.Minute)

	token := signToken(t, key, "k1", jwt.MapClaims{
		"iss": tenant.ExpectedIssuer,
		"aud": tenant.ExpectedAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(context.Background(), NewBearerToken(token))
	if err != nil {
		t.Fatalf("expected tenant to be resolved from the iss path segment, got %v", err)
	}
	if claims.Iss != tenant.ExpectedIssuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
