package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	// DefaultMaxAge is how old a timestamp may be before it counts as a replay.
	DefaultMaxAge = 300 * time.Second
	// MaxFutureSkew bounds how far ahead of our clock a sender may be.
	MaxFutureSkew = 30 * time.Second

	signatureHexLen = sha256.Size * 2
)

// ErrUnauthorized is the only outcome callers should act on.
var ErrUnauthorized = errors.New("webhook signature unauthorized")

// Reason says which check rejected a webhook. For logging only.
type Reason string

const (
	ReasonMalformedSignature Reason = "malformed_signature"
	ReasonMalformedTimestamp Reason = "malformed_timestamp"
	ReasonStale              Reason = "stale"
	ReasonFuture             Reason = "future"
	ReasonMismatch           Reason = "mismatch"
)

// VerificationError carries the failing check. It always matches ErrUnauthorized.
type VerificationError struct {
	Reason Reason
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("webhook signature rejected: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return ErrUnauthorized }

// Sign returns the lowercase hex HMAC-SHA256 of timestamp + "." + payload.
func Sign(payload []byte, timestamp string, secret string) string {
	return hex.EncodeToString(mac(payload, timestamp, secret))
}

// Timestamp formats t as the unix-millisecond header value.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func mac(payload []byte, timestamp string, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

// Verifier checks inbound signatures against a clock.
type Verifier struct {
	clock  clock.Clock
	maxAge time.Duration
}

type VerifierOption func(*Verifier)

// WithClock overrides the time source.
func WithClock(c clock.Clock) VerifierOption {
	return func(v *Verifier) { v.clock = c }
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{clock: clock.New(), maxAge: DefaultMaxAge}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns nil when signature authenticates payload at timestamp.
// Every failure is a *VerificationError wrapping ErrUnauthorized.
func (v *Verifier) Verify(payload []byte, signature, timestamp, secret string) error {
	if len(signature) != signatureHexLen {
		return &VerificationError{Reason: ReasonMalformedSignature}
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return &VerificationError{Reason: ReasonMalformedSignature}
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &VerificationError{Reason: ReasonMalformedTimestamp}
	}
	sent := time.UnixMilli(ms)
	now := v.clock.Now()
	if now.Sub(sent) > v.maxAge {
		return &VerificationError{Reason: ReasonStale}
	}
	if sent.Sub(now) > MaxFutureSkew {
		return &VerificationError{Reason: ReasonFuture}
	}

	// hmac.Equal is constant time and returns false on length mismatch.
	if !hmac.Equal(got, mac(payload, timestamp, secret)) {
		return &VerificationError{Reason: ReasonMismatch}
	}
	return nil
}

// Verify checks a signature with the default max age and wall clock.
func Verify(payload []byte, signature, timestamp, secret string) error {
	return NewVerifier().Verify(payload, signature, timestamp, secret)
}

// ReasonOf extracts the failing check for logging. Empty for other errors.
func ReasonOf(err error) Reason {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}
