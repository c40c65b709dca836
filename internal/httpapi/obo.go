package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oidcguard/tenant-jwks-verifier/internal/verifier"
)

// ClientCredentials authenticates this service to the identity provider
// when it exchanges a verified caller token for a downstream-scoped one.
// The secret is loaded from the environment, never logged.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// oboTokenResponse is the subset of an on-behalf-of token response this
// adapter reads; the identity provider returns more fields (refresh_token,
// scope, expires_in) that a full OBO client would also need to handle.
type oboTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// OnBehalfOf is a minimal example of a downstream collaborator: it takes an
// already-Verify'd caller token and exchanges it, via the identity
// provider's on-behalf-of grant, for a token scoped to a specific
// downstream API. This is NOT a complete OBO client (no caching, no
// consent-error classification, no refresh token handling) — it exists to
// demonstrate the shape of this kind of downstream adapter as an external
// collaborator, not to be a production token exchange client.
func (s *Server) OnBehalfOf(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerTokenFromHeader(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	claims, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		var uerr *verifier.UnauthorizedTokenError
		if errors.As(err, &uerr) {
			writeError(w, r, http.StatusUnauthorized, uerr.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	downstreamScope := r.URL.Query().Get("scope")
	if downstreamScope == "" {
		writeError(w, r, http.StatusBadRequest, "scope query parameter is required")
		return
	}

	tenantID, err := tenantIDFromIssuer(claims.Iss)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	accessToken, err := s.exchangeOnBehalfOf(r.Context(), tenantID, token, downstreamScope)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, fmt.Sprintf("on-behalf-of exchange failed: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access_token": accessToken})
}

func (s *Server) exchangeOnBehalfOf(ctx context.Context, tenantID string, assertion verifier.BearerToken, scope string) (string, error) {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("client_id", s.OBOCredentials.ClientID)
	form.Set("client_secret", s.OBOCredentials.ClientSecret)
	form.Set("assertion", assertion.Expose())
	form.Set("scope", scope)
	form.Set("requested_token_use", "on_behalf_of")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var parsed oboTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.AccessToken, nil
}

// tenantIDFromIssuer recovers the tenant id from a verified issuer URL, the
// same path-segment convention the verifier uses to classify untrusted
// issuers (but here operating on an already-trusted claim).
func tenantIDFromIssuer(iss string) (string, error) {
	u, err := url.Parse(iss)
	if err != nil {
		return "", fmt.Errorf("malformed issuer %q: %w", iss, err)
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return "", fmt.Errorf("issuer %q has no tenant path segment", iss)
	}
	return strings.SplitN(trimmed, "/", 2)[0], nil
}
