package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // test helper mirrors the production algorithm
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return headerPrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_Valid(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign("shhh", body)
	assert.True(t, Verify("shhh", body, header))
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign("shhh", body)
	assert.False(t, Verify("other", body, header))
}

func TestVerify_TamperedBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	header := sign("shhh", body)
	assert.False(t, Verify("shhh", []byte(`{"hello":"mallory"}`), header))
}

func TestVerify_MissingHeader(t *testing.T) {
	assert.False(t, Verify("shhh", []byte("body"), ""))
}

func TestVerify_MissingPrefix(t *testing.T) {
	assert.False(t, Verify("shhh", []byte("body"), "00deadbeef"))
}

func TestVerify_LengthMismatchDoesNotPanic(t *testing.T) {
	assert.False(t, Verify("shhh", []byte("body"), "sha1=00"))
	assert.False(t, Verify("shhh", []byte("body"), "sha1=deadbeefdeadbeefdeadbeefdeadbeefdeadbeefff"))
}

func TestVerify_InvalidHex(t *testing.T) {
	assert.False(t, Verify("shhh", []byte("body"), "sha1=not-hex-at-all!!"))
}

func TestVerify_MatchesForAllBodies(t *testing.T) {
	bodies := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("the quick brown fox"),
		make([]byte, 4096),
	}
	for _, b := range bodies {
		header := sign("super-secret", b)
		assert.True(t, Verify("super-secret", b, header))
	}
}
