package websocket

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint builds a stable identity for a connection so the same device
// can be recognized across reconnects. A device id takes precedence; without
// one the user agent is hashed.
func Fingerprint(deviceID, userAgent string) string {
	if deviceID != "" {
		return "device:" + deviceID
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	sum := sha256.Sum256([]byte(userAgent))
	return "ua:" + hex.EncodeToString(sum[:])[:16]
}
