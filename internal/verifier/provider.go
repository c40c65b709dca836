package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryConfig tunes the JWKS provider's retry/backoff-with-jitter policy.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	Multiplier  float64
	JitterMin   float64
	JitterMax   float64
	MaxWait     time.Duration
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0, got %f", c.Multiplier)
	}
	if c.JitterMin < 0 || c.JitterMin > c.JitterMax {
		return fmt.Errorf("jitter_min must be >= 0 and <= jitter_max, got %f and %f", c.JitterMin, c.JitterMax)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be > 0, got %s", c.MaxWait)
	}
	if c.InitialWait <= 0 {
		return fmt.Errorf("initial_wait must be > 0, got %s", c.InitialWait)
	}
	return nil
}

// jwksBackOff implements backoff.BackOff per the formula:
// initial_wait * multiplier^(k-1) * jitter, jitter uniform in
// [jitter_min, jitter_max], capped at max_wait. The fetch loop advances n
// before each attempt so NextBackOff always computes the delay between the
// attempt that just failed and the next one.
type jwksBackOff struct {
	cfg RetryConfig
	n   int
	rng func() float64
}

func (b *jwksBackOff) NextBackOff() time.Duration {
	if b.n >= b.cfg.MaxAttempts {
		return backoff.Stop
	}
	k := b.n
	delaySeconds := float64(b.cfg.InitialWait) * math.Pow(b.cfg.Multiplier, float64(k-1))
	jitter := b.cfg.JitterMin + b.rng()*(b.cfg.JitterMax-b.cfg.JitterMin)
	d := time.Duration(delaySeconds * jitter)
	if d > b.cfg.MaxWait {
		d = b.cfg.MaxWait
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *jwksBackOff) Reset() { b.n = 0 }

// jwksResponse is the JWKS document shape: {"keys": [...]}.
type jwksResponse struct {
	Keys []Jwk `json:"keys"`
}

// jwksProvider fetches JWKS documents over HTTP with a fixed connect/total
// timeout and the retry policy above. Constructed once, reused for every
// tenant and every refresh.
type jwksProvider struct {
	client *http.Client
	retry  RetryConfig
}

func newJWKSProvider(connectTimeout, totalTimeout time.Duration, retry RetryConfig) (*jwksProvider, error) {
	if connectTimeout <= 0 || totalTimeout <= 0 {
		return nil, fmt.Errorf("connect and total timeouts must both be > 0")
	}
	if err := retry.validate(); err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
	}
	return &jwksProvider{
		client: &http.Client{
			Timeout:   totalTimeout,
			Transport: transport,
		},
		retry: retry,
	}, nil
}

// isRetryableTransportErr reports whether a transport-level error (as
// opposed to an HTTP status) is a timeout or connect failure, the two
// retryable transport classes.
func isRetryableTransportErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// fetch retrieves and parses the JWKS document at uri, retrying per the
// provider's RetryConfig. Timeouts, connect failures, 5xx, and 429 are
// retryable; everything else (including a parse error) fails on the first
// attempt.
func (p *jwksProvider) fetch(ctx context.Context, uri string) (*jwksResponse, error) {
	var result jwksResponse
	bo := &jwksBackOff{cfg: p.retry, rng: rand.Float64}

	op := func() error {
		bo.n++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			if isRetryableTransportErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("upstream returned status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return backoff.Permanent(&ParseError{URI: uri, Cause: err})
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, parseErr
		}
		return nil, &FetchError{URI: uri, Cause: err}
	}

	if len(result.Keys) == 0 {
		log.Warn().Str("jwks_uri", uri).Msg("jwks document contained no keys")
	}
	return &result, nil
}
