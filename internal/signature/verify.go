// Package signature verifies the HMAC-SHA1 webhook signature header
// GitHub-shaped push notifications carry.
package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the GitHub webhook signature convention, not used for anything security-sensitive beyond that
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const headerPrefix = "sha1="

// Verify reports whether header is a valid "sha1=<hex>" HMAC-SHA1
// signature of body under secret.
//
// A missing prefix or an odd/invalid hex digest is treated as a
// length mismatch and rejected without ever reaching the constant-time
// compare. The comparison itself is constant-time over equal-length
// byte slices; it never short-circuits on the first differing byte.
func Verify(secret string, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, headerPrefix)
	if !ok {
		return false
	}

	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
