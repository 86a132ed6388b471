// Package webhook is the provider-facing ingestion edge: it authenticates
// callback deliveries, normalizes their payloads into engine events, and acks
// them exactly when the outcome is durable.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// DefaultTolerance bounds how old a signed delivery may be before it is
// refused, limiting replay of captured requests.
const DefaultTolerance = 5 * time.Minute

// Verifier checks HMAC-SHA256 signatures over webhook deliveries. The signed
// string is "<unix timestamp>.<raw body>", matching what the providers are
// configured to send.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	clock     func() time.Time
}

// NewVerifier creates a verifier for the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Sign computes the hex signature for a timestamped body. Exposed so tests
// and outbound callers can produce valid deliveries.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the timestamp freshness and the signature. Comparison is
// constant time.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	age := v.clock().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
