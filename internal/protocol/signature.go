package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces handshake signatures for one client credential pair.
type Signer struct {
	clientID     string
	clientSecret string
}

func NewSigner(clientID, clientSecret string) *Signer {
	return &Signer{clientID: clientID, clientSecret: clientSecret}
}

// Sign returns hex(HMAC-SHA256(secret, "clientId,meetingUuid,streamId")).
func (s *Signer) Sign(meetingUUID, streamID string) string {
	return Sign(meetingUUID, streamID, s.clientID, s.clientSecret)
}

func Sign(meetingUUID, streamID, clientID, clientSecret string) string {
	return HMACHex(clientSecret, clientID+","+meetingUUID+","+streamID)
}

// HMACHex returns the hex encoded HMAC-SHA256 of message keyed by secret.
func HMACHex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
