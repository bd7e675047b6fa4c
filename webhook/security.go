package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSignatureMismatch is returned when the computed HMAC does not match
// the header, or the header is malformed/absent. Fail-closed.
var ErrSignatureMismatch = errors.New("webhook: signature mismatch")

// ErrTimestampOutOfWindow is returned when |now - timestamp| exceeds the
// freshness window.
var ErrTimestampOutOfWindow = errors.New("webhook: timestamp out of window")

// DefaultFreshnessWindow is the ±300s acceptance window for webhook timestamps.
const DefaultFreshnessWindow = 300 * time.Second

// signatureHeaderPrefix is the "v1=" tag on the webhook-signature header.
const signatureHeaderPrefix = "v1="

// VerifySignature recomputes hmac-sha256(timestamp "." body) with secret
// and constant-time compares it against the v1=<hex> signature header.
func VerifySignature(secret []byte, timestampHeader, signatureHeader string, body []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("webhook: secret required")
	}
	sig := strings.TrimSpace(signatureHeader)
	if !strings.HasPrefix(sig, signatureHeaderPrefix) {
		return ErrSignatureMismatch
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signatureHeaderPrefix))
	if err != nil {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)
	if !hmac.Equal(got, want) {
		return ErrSignatureMismatch
	}
	return nil
}

// CheckFreshness rejects a request whose webhook-timestamp header is more
// than window away from now.
func CheckFreshness(timestampHeader string, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrTimestampOutOfWindow)
	}
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > window {
		return ErrTimestampOutOfWindow
	}
	return nil
}
