package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// jwtClaims is the wire shape golang-jwt/jwt/v5 decodes into during signed
// verification (step 6). It embeds the standard registered claims (aud,
// iss, exp, sub) and adds the Entra-ID-specific oid/roles fields. Other
// fields present in the payload are tolerated and ignored.
type jwtClaims struct {
	jwt.RegisteredClaims
	Oid   string   `json:"oid"`
	Roles []string `json:"roles,omitempty"`
}

// Verifier is the orchestrator exposed to collaborators: parse the
// untrusted header/payload minimally, route to the right tenant and key,
// trigger a conditional refresh on miss, then perform signed verification.
type Verifier struct {
	registry    *registry
	cache       *jwksCache
	coordinator *refreshCoordinator
	metrics     *metrics
	cancel      context.CancelFunc
}

// Verify validates an opaque bearer token end to end and returns its
// trusted claims, or the first UnauthorizedTokenError encountered. Steps
// abort in order on first failure; untrusted bytes are only consulted for
// alg/kid (header) and iss/tid (payload) before signature verification
// succeeds.
func (v *Verifier) Verify(ctx context.Context, token BearerToken) (Claims, error) {
	raw := token.Expose()

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return v.reject(ReasonInvalidTokenFormat, "expected three dot-separated segments", nil)
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return v.reject(ReasonHeaderDecodeError, "", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return v.reject(ReasonHeaderDecodeError, "", err)
	}
	if header.Kid == "" {
		return v.reject(ReasonHeaderMissingKid, "jwt header missing kid", nil)
	}
	if header.Alg != "RS256" {
		return v.reject(ReasonUnsupportedAlgorithm, header.Alg, nil)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return v.reject(ReasonPayloadDecodeError, "", err)
	}
	var unverified UnverifiedClaims
	if err := json.Unmarshal(payloadBytes, &unverified); err != nil {
		return v.reject(ReasonPayloadParseError, "", err)
	}

	issuerTenant, rerr := classifyIssuer(unverified)
	if rerr != nil {
		return Claims{}, v.record(rerr)
	}
	if issuerTenant.Kind != IssuerTenantSingle {
		return Claims{}, v.record(newDisallowedIssuerTenant(issuerTenant.Kind))
	}
	tenantID := issuerTenant.TenantID

	tenant, ok := v.registry.get(tenantID)
	if !ok {
		return v.reject(ReasonTenantNotFound, string(tenantID), nil)
	}

	kid := Kid(header.Kid)
	key, ok := v.cache.lookup(tenantID, kid)
	v.metrics.observeCacheLookup(tenantID, ok)
	if !ok {
		if _, err := v.coordinator.maybeRefresh(ctx, tenantID); err != nil {
			log.Warn().Str("tenant_id", string(tenantID)).Err(err).
				Msg("conditional refresh failed on cache miss, continuing with second lookup")
		}
		key, ok = v.cache.lookup(tenantID, kid)
		v.metrics.observeCacheLookup(tenantID, ok)
		if !ok {
			return v.reject(ReasonDecodingKeyNotFound, fmt.Sprintf("tenant=%s kid=%s", tenantID, kid), nil)
		}
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, toJWTDecodingKey(key),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(tenant.ExpectedIssuer),
		jwt.WithAudience(tenant.ExpectedAudience),
	)
	if err != nil || !parsed.Valid {
		return v.reject(ReasonVerifyTokenError, "", err)
	}

	v.metrics.observeVerify("ok")
	result := Claims{
		Aud:   firstAudience(claims.Audience),
		Iss:   claims.Issuer,
		Sub:   claims.Subject,
		Oid:   claims.Oid,
		Roles: claims.Roles,
	}
	if claims.ExpiresAt != nil {
		result.Exp = claims.ExpiresAt.Unix()
	}
	return result, nil
}

// reject builds, records, and returns an UnauthorizedTokenError in one
// step.
func (v *Verifier) reject(reason UnauthorizedReason, detail string, cause error) (Claims, error) {
	return Claims{}, v.record(newUnauthorized(reason, detail, cause))
}

func (v *Verifier) record(err *UnauthorizedTokenError) error {
	v.metrics.observeVerify(err.Reason.String())
	return err
}

func firstAudience(aud jwt.ClaimStrings) string {
	if len(aud) == 0 {
		return ""
	}
	return aud[0]
}

// classifyIssuer decides which tenant a token claims: tid wins when present,
// otherwise the first path segment of iss decides between a concrete
// tenant and the two disallowed multi-tenant aliases.
func classifyIssuer(u UnverifiedClaims) (IssuerTenant, *UnauthorizedTokenError) {
	if u.Tid != "" {
		return IssuerTenant{Kind: IssuerTenantSingle, TenantID: TenantID(u.Tid)}, nil
	}
	if u.Iss == "" {
		return IssuerTenant{}, newUnauthorized(ReasonTokenMissingIssuer, "", nil)
	}
	parsed, err := url.Parse(u.Iss)
	if err != nil {
		return IssuerTenant{}, newUnauthorized(ReasonInvalidIssuerFormat, err.Error(), err)
	}
	trimmed := strings.Trim(parsed.Path, "/")
	if trimmed == "" {
		return IssuerTenant{}, newUnauthorized(ReasonInvalidIssuerFormat, "no path segments in iss", nil)
	}
	first := strings.SplitN(trimmed, "/", 2)[0]
	switch first {
	case "common":
		return IssuerTenant{Kind: IssuerTenantCommon}, nil
	case "organizations":
		return IssuerTenant{Kind: IssuerTenantOrganizations}, nil
	default:
		return IssuerTenant{Kind: IssuerTenantSingle, TenantID: TenantID(first)}, nil
	}
}

// Stop cancels the background refresher started by Build. Safe to call
// more than once.
func (v *Verifier) Stop() {
	if v.cancel != nil {
		v.cancel()
	}
}
