package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Webhook deliveries carry these headers so receivers can authenticate the
// payload and bound replay of a captured request.
const (
	HeaderWebhookTimestamp = "X-Loopvault-Timestamp"
	HeaderWebhookSignature = "X-Loopvault-Signature"
)

// WebhookSigner signs outbound notification deliveries. The signature is
// HMAC-SHA256(secret, "{timestamp}.{body}") encoded as base64.
type WebhookSigner struct {
	Secret string
}

// Headers returns the signature headers for one delivery of body.
func (s *WebhookSigner) Headers(body []byte) map[string]string {
	return s.HeadersAt(body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (s *WebhookSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64([]byte(s.Secret), ts+"."+string(body))

	return map[string]string{
		HeaderWebhookTimestamp: ts,
		HeaderWebhookSignature: sig,
	}
}

// String returns a redacted representation suitable for logging.
func (s *WebhookSigner) String() string {
	secret := s.Secret
	if len(secret) <= 4 {
		secret = "****"
	} else {
		secret = secret[:4] + "****"
	}
	return fmt.Sprintf("WebhookSigner{secret=%s}", secret)
}

// VerifyWebhook authenticates a received delivery against the shared
// secret, rejecting timestamps outside the allowed skew.
func VerifyWebhook(secret string, body []byte, tsHeader, sigHeader string, skew time.Duration) error {
	return VerifyWebhookAt(secret, body, tsHeader, sigHeader, skew, time.Now().UTC())
}

// VerifyWebhookAt is VerifyWebhook against an explicit clock.
func VerifyWebhookAt(secret string, body []byte, tsHeader, sigHeader string, skew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto/webhook: malformed timestamp header: %w", err)
	}
	if err := ValidateTimestampAt(ts, skew, now); err != nil {
		return fmt.Errorf("crypto/webhook: %w", err)
	}

	want := hmacSHA256Base64([]byte(secret), tsHeader+"."+string(body))
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return fmt.Errorf("crypto/webhook: signature mismatch")
	}
	return nil
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns
// the result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
