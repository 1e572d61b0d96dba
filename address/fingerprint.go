package address

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// fingerprintBytes is how much of the key hash survives into the short
// fingerprint. Eight bytes keeps the printed form short enough to read
// aloud while leaving second-preimage work far out of reach.
const fingerprintBytes = 8

// Fingerprint is a short human-checkable digest of a public key, used
// when two people verify each other's identity out of band.
type Fingerprint string

// FingerprintOf computes the fingerprint of a public key: the standard
// base64 encoding of the first eight bytes of its SHA-256 hash.
func FingerprintOf(publicKey ed25519.PublicKey) Fingerprint {
	sum := sha256.Sum256(publicKey)
	return Fingerprint(base64.StdEncoding.EncodeToString(sum[:fingerprintBytes]))
}

// Formatted returns the fingerprint grouped in blocks of four characters
// separated by dashes, the form shown to users for manual comparison.
func (f Fingerprint) Formatted() string {
	var b strings.Builder
	for i, ch := range string(f) {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Verify reports whether the fingerprint belongs to the given public key.
func (f Fingerprint) Verify(publicKey ed25519.PublicKey) bool {
	return f == FingerprintOf(publicKey)
}
