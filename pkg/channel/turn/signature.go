package turn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// ValidateSignature reports whether signature is the base64-encoded
// HMAC-SHA256 of body keyed with secret. Malformed signatures are invalid.
func ValidateSignature(secret string, body []byte, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(expected) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the X-Turn-Hook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
