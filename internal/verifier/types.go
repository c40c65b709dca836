// Package verifier implements a multi-tenant OIDC bearer-token verifier with
// a concurrent, self-refreshing JWKS cache.
package verifier

import (
	"net/url"
	"time"
)

// TenantID is an opaque tenant (identity-provider realm) identifier,
// compared and hashed by value.
type TenantID string

// Kid is an opaque JWK key identifier, compared by byte equality.
type Kid string

// Tenant describes one identity-provider realm. Immutable after
// construction.
type Tenant struct {
	ID               TenantID
	JWKSURI          *url.URL
	ExpectedIssuer   string
	ExpectedAudience string
}

// Jwk is a single JSON Web Key as received from the JWKS endpoint. Only RSA
// keys (Kty == "RSA", N and E present) are interpretable; others are stored
// but cannot produce a decoding key.
type Jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// CachedJwk wraps a Jwk with the monotonic instant it was last advertised by
// upstream.
type CachedJwk struct {
	Jwk        Jwk
	LastSeenAt time.Time
}

// UnverifiedClaims is the pre-verification, payload-base64-decoded subset of
// a token's claims. Only iss and tid may be read before signature
// verification; every other field must wait for Claims.
type UnverifiedClaims struct {
	Iss string `json:"iss"`
	Tid string `json:"tid,omitempty"`
}

// Claims is the verified, trusted claim set returned by Verify. Roles is nil
// when the token carries no roles claim.
type Claims struct {
	Aud   string   `json:"aud"`
	Iss   string   `json:"iss"`
	Exp   int64    `json:"exp"`
	Oid   string   `json:"oid"`
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
}

// IssuerTenantKind discriminates the classification of an issuer: a
// concrete, acceptable tenant, or one of the two disallowed multi-tenant
// issuer aliases Azure AD (Entra ID) publishes.
type IssuerTenantKind int

const (
	// IssuerTenantSingle identifies a concrete, acceptable tenant.
	IssuerTenantSingle IssuerTenantKind = iota
	// IssuerTenantOrganizations is the "organizations" multi-tenant alias;
	// always rejected.
	IssuerTenantOrganizations
	// IssuerTenantCommon is the "common" multi-tenant alias; always
	// rejected.
	IssuerTenantCommon
)

func (k IssuerTenantKind) String() string {
	switch k {
	case IssuerTenantOrganizations:
		return "organizations"
	case IssuerTenantCommon:
		return "common"
	default:
		return "tenant"
	}
}

// IssuerTenant is the tagged result of classifying a token's issuer. Only
// Kind == IssuerTenantSingle carries a usable TenantID.
type IssuerTenant struct {
	Kind     IssuerTenantKind
	TenantID TenantID
}

func (t IssuerTenant) String() string {
	if t.Kind == IssuerTenantSingle {
		return string(t.TenantID)
	}
	return t.Kind.String()
}
