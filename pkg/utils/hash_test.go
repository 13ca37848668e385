package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.NotEqual(t, Fingerprint("a"), Fingerprint("a", ""))
	assert.Len(t, Fingerprint("x"), 64)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "what does the policy say?", NormalizeText("  What  does\tthe\nPolicy say? "))
	assert.Equal(t, "", NormalizeText("   "))
}
