package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint hashes parts into a stable hex key. Parts are length-prefixed
// so ("ab","c") and ("a","bc") never collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		var n [8]byte
		l := uint64(len(p))
		for i := 0; i < 8; i++ {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText lowercases, trims and collapses internal whitespace.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
