package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	SignatureHeader = "X-WHOOP-Signature"
	TimestampHeader = "X-WHOOP-Signature-Timestamp"

	DefaultMaxSkew = 5 * time.Minute
)

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// VerifySignature checks signatureHeader against
// base64(HMAC-SHA256(secret, timestamp || rawBody)) in constant time.
func VerifySignature(timestamp string, rawBody []byte, signatureHeader string, secret []byte) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if timestamp == "" || signatureHeader == "" || len(secret) == 0 {
		return false
	}
	expected := Sign(timestamp, rawBody, secret)
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// Sign computes the signature header value for a delivery.
func Sign(timestamp string, rawBody []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verifier adds a replay window on top of VerifySignature. The secret is read
// on every call so it can be rotated while running.
type Verifier struct {
	secret  func() []byte
	maxSkew time.Duration
	clock   clockwork.Clock
}

func NewVerifier(secret func() []byte, maxSkew time.Duration, clock clockwork.Clock) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{secret: secret, maxSkew: maxSkew, clock: clock}
}

// Verify returns nil for an authentic, fresh delivery and an error wrapping
// ErrSignatureInvalid otherwise.
func (v *Verifier) Verify(timestamp string, rawBody []byte, signatureHeader string) error {
	sentAt, ok := parseTimestamp(timestamp)
	if !ok {
		return fmt.Errorf("%w: malformed timestamp", ErrSignatureInvalid)
	}
	skew := v.clock.Now().Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: timestamp outside %s window", ErrSignatureInvalid, v.maxSkew)
	}
	var secret []byte
	if v.secret != nil {
		secret = v.secret()
	}
	if !VerifySignature(timestamp, rawBody, signatureHeader, secret) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// parseTimestamp reads epoch milliseconds; values of ten digits or fewer are
// taken as seconds.
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if len(raw) <= 10 {
		return time.Unix(n, 0), true
	}
	return time.UnixMilli(n), true
}
