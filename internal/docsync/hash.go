package docsync

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex-encoded SHA-256 fingerprint of document content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
