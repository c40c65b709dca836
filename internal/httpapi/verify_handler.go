package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oidcguard/tenant-jwks-verifier/internal/audit"
	"github.com/oidcguard/tenant-jwks-verifier/internal/verifier"
	"github.com/rs/zerolog/log"
)

// verifyResponse mirrors the trusted claims a caller receives on success.
type verifyResponse struct {
	Aud   string   `json:"aud"`
	Iss   string   `json:"iss"`
	Exp   int64    `json:"exp"`
	Oid   string   `json:"oid"`
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
}

// Verify handles POST /verify: extract the bearer token from the
// Authorization header, run it through the verifier, and return either the
// trusted claims or a mapped 401. Every rejection is recorded to the audit
// store (a no-op if none is configured).
func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerTokenFromHeader(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing or malformed Authorization header")
		return
	}

	claims, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		s.recordFailure(r, err)

		var uerr *verifier.UnauthorizedTokenError
		if errors.As(err, &uerr) {
			writeError(w, r, http.StatusUnauthorized, uerr.Error())
			return
		}
		log.Error().Err(err).Msg("verify failed with an unexpected (non-token) error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Aud:   claims.Aud,
		Iss:   claims.Iss,
		Exp:   claims.Exp,
		Oid:   claims.Oid,
		Sub:   claims.Sub,
		Roles: claims.Roles,
	})
}

func (s *Server) recordFailure(r *http.Request, err error) {
	if s.AuditStore == nil {
		return
	}
	var uerr *verifier.UnauthorizedTokenError
	reason := "internal_error"
	detail := err.Error()
	tenantID := ""
	if errors.As(err, &uerr) {
		reason = uerr.Reason.String()
		if uerr.Reason.String() == "disallowed_issuer_tenant" {
			tenantID = uerr.DisallowedAs.String()
		}
	}
	s.AuditStore.RecordFailure(r.Context(), audit.Entry{
		OccurredAt:    time.Now(),
		TenantID:      tenantID,
		Reason:        reason,
		Detail:        detail,
		CorrelationID: GetCorrelationID(r.Context()),
		ClientIP:      clientIP(r),
	})
}

// bearerTokenFromHeader extracts a BearerToken from "Authorization: Bearer
// <token>". Returns false if the header is absent or doesn't match that
// shape.
func bearerTokenFromHeader(r *http.Request) (verifier.BearerToken, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return verifier.BearerToken{}, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if raw == "" {
		return verifier.BearerToken{}, false
	}
	return verifier.NewBearerToken(raw), true
}
