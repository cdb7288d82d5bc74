package skill

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the SHA-256 of the code bytes as lowercase hex. It is
// the identity used for trust decisions: trust granted to a fingerprint
// applies to exactly these bytes and nothing else.
func Fingerprint(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}
