package verifier

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// tenantKeyCache maps a tenant's Kid -> CachedJwk. Insertion order is
// irrelevant.
type tenantKeyCache map[Kid]CachedJwk

// jwksCache is the shared per-tenant JWK cache table, guarded by a single
// RWMutex. The verify path (lookup) takes the read lock; refresh and
// cleanup take the write lock. Critical sections never perform I/O.
type jwksCache struct {
	mu    sync.RWMutex
	table map[TenantID]tenantKeyCache
	ttl   time.Duration
}

func newJWKSCache(ttl time.Duration, tenantIDs []TenantID) *jwksCache {
	table := make(map[TenantID]tenantKeyCache, len(tenantIDs))
	for _, id := range tenantIDs {
		table[id] = make(tenantKeyCache)
	}
	return &jwksCache{table: table, ttl: ttl}
}

// lookup converts a cached JWK into a decoding key. Returns false if the
// tenant is unknown, the kid is absent, or the stored key material isn't
// usable RSA.
func (c *jwksCache) lookup(tenantID TenantID, kid Kid) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tc, ok := c.table[tenantID]
	if !ok {
		return nil, false
	}
	cached, ok := tc[kid]
	if !ok {
		return nil, false
	}
	key, err := decodingKeyFromJwk(cached.Jwk)
	if err != nil {
		log.Warn().Str("tenant_id", string(tenantID)).Str("kid", string(kid)).Err(err).
			Msg("cached jwk could not be converted to a decoding key")
		return nil, false
	}
	return key, true
}

// merge installs freshly-fetched keys for a tenant. Already-present kids
// only have their LastSeenAt bumped; keys the fetch didn't mention are left
// untouched (they age out via cleanup, never merge). If the tenant isn't in
// the table at all — which shouldn't happen for a registered tenant — merge
// logs and is a no-op.
func (c *jwksCache) merge(tenantID TenantID, keys []Jwk, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.table[tenantID]
	if !ok {
		log.Error().Str("tenant_id", string(tenantID)).
			Msg("merge called for tenant absent from cache table, ignoring")
		return
	}
	for _, k := range keys {
		kid := Kid(k.Kid)
		if existing, present := tc[kid]; present {
			existing.LastSeenAt = now
			tc[kid] = existing
			continue
		}
		tc[kid] = CachedJwk{Jwk: k, LastSeenAt: now}
	}
}

// cleanup evicts keys older than the TTL, except it never empties a tenant
// that had at least one key before cleanup: the key with the greatest
// LastSeenAt is always retained regardless of TTL. When several keys share
// that LastSeenAt, the one with the lexically smallest kid is retained.
func (c *jwksCache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for tenantID, tc := range c.table {
		if len(tc) == 0 {
			continue
		}
		retained := make(tenantKeyCache, len(tc))
		var newestKid Kid
		var newest CachedJwk
		haveNewest := false
		for kid, cached := range tc {
			if now.Sub(cached.LastSeenAt) < c.ttl {
				retained[kid] = cached
			}
			if !haveNewest || cached.LastSeenAt.After(newest.LastSeenAt) ||
				(cached.LastSeenAt.Equal(newest.LastSeenAt) && kid < newestKid) {
				newest = cached
				newestKid = kid
				haveNewest = true
			}
		}
		if len(retained) == 0 && haveNewest {
			log.Warn().Str("tenant_id", string(tenantID)).Str("kid", string(newestKid)).
				Msg("all jwks expired by ttl, retaining most recent as a safety measure")
			retained[newestKid] = newest
		}
		c.table[tenantID] = retained
	}
}

// decodingKeyFromJwk converts an RSA (n, e) JWK into an *rsa.PublicKey. Only
// kty == "RSA" keys are interpretable.
func decodingKeyFromJwk(k Jwk) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, errUnsupportedKeyType(k.Kty)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, &DecodingKeyCreateError{Kid: Kid(k.Kid), Cause: err}
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, &DecodingKeyCreateError{Kid: Kid(k.Kid), Cause: err}
	}
	var eInt int
	for _, b := range eBytes {
		eInt = eInt<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}, nil
}

type errUnsupportedKeyType string

func (e errUnsupportedKeyType) Error() string { return "unsupported key type: " + string(e) }

// toJWTDecodingKey adapts an *rsa.PublicKey for use with golang-jwt/jwt/v5,
// whose keyfunc callback expects an `any`.
func toJWTDecodingKey(pub *rsa.PublicKey) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return pub, nil }
}
