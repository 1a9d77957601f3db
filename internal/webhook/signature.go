package webhook

import (
	"crypto/hmac"
	"errors"
	"fmt"

	"rtms-relay/internal/protocol"
)

// Webhook request headers
const (
	HeaderSignature = "x-zm-signature"
	HeaderTimestamp = "x-zm-request-timestamp"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// EncryptToken answers an endpoint.url_validation challenge.
func EncryptToken(secretToken, plainToken string) string {
	return protocol.HMACHex(secretToken, plainToken)
}

// ExpectedSignature is the x-zm-signature value for a request.
func ExpectedSignature(secretToken, timestamp string, body []byte) string {
	return "v0=" + protocol.HMACHex(secretToken, fmt.Sprintf("v0:%s:%s", timestamp, body))
}

// VerifySignature checks the x-zm-signature header of a webhook request.
func VerifySignature(secretToken, timestamp, signature string, body []byte) error {
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing %s or %s header", ErrInvalidSignature, HeaderSignature, HeaderTimestamp)
	}
	expected := ExpectedSignature(secretToken, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
