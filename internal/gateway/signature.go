package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// HMACHex returns the lower-case hex HMAC of payload.
func HMACHex(newHash func() hash.Hash, secret string, payload []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func HMACSHA256Hex(secret string, payload []byte) string {
	return HMACHex(sha256.New, secret, payload)
}

func HMACSHA512Hex(secret string, payload []byte) string {
	return HMACHex(sha512.New, secret, payload)
}

// EqualSignature compares two signatures in constant time, ignoring case and whitespace.
func EqualSignature(expected, got string) bool {
	expected = strings.ToLower(strings.TrimSpace(expected))
	got = strings.ToLower(strings.TrimSpace(got))
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
