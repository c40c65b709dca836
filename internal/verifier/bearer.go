package verifier

// BearerToken wraps a raw JWT string so it cannot accidentally end up in a
// log line or error message. The only way to get the raw string back out is
// Expose, which call sites should use only to hand the token to a signature
// verifier or forward it upstream.
type BearerToken struct {
	raw string
}

// NewBearerToken wraps a raw compact-JWS string.
func NewBearerToken(raw string) BearerToken {
	return BearerToken{raw: raw}
}

// Expose returns the wrapped raw token. Never pass the result to a logger.
func (b BearerToken) Expose() string {
	return b.raw
}

// String implements fmt.Stringer with a redacted representation so
// accidental %v/%s formatting never leaks the token.
func (b BearerToken) String() string {
	return "BearerToken(REDACTED)"
}

// GoString implements fmt.GoStringer for the same reason %#v would
// otherwise print the raw field.
func (b BearerToken) GoString() string {
	return "verifier.BearerToken{REDACTED}"
}
