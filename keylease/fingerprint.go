package keylease

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintLen is the number of hex characters kept from the digest.
// 64 bits is plenty for distinguishing keys in a pool while keeping file
// names short.
const fingerprintLen = 16

// Fingerprint returns a one-way identifier for a credential. The raw
// credential can never be recovered from it, so it is safe to persist in
// lease files, health state and logs.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
