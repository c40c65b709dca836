package httpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

// mockJWKSServer issues RS256 tokens and serves the matching JWKS document,
// mirroring internal/verifier's test harness for end-to-end router tests.
type mockJWKSServer struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	srv  *httptest.Server
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newMockJWKSServer(t *testing.T) *mockJWKSServer {
	t.Helper()
	m := &mockJWKSServer{keys: make(map[string]*rsa.PrivateKey)}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serveJWKS))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockJWKSServer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var resp struct {
		Keys []jwk `json:"keys"`
	}
	for kid, key := range m.keys {
		resp.Keys = append(resp.Keys, jwk{
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
