package credential

import (
	"crypto/sha256"
	"crypto/subtle"
)

// VerifyClientKey implements spec §4.1 step 4: constant-time comparison
// of SHA-256 digests, not a plain string equality. The teacher's
// middleware.AdminMiddleware compares its admin key with plain `==`;
// this is the one place that comparison is deliberately not reused.
func VerifyClientKey(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
