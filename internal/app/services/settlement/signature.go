package settlement

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Provider-Signature"

// Sign computes the hex-encoded HMAC-SHA256 of body under the shared secret.
// Exported so tests and provider simulators produce real signatures.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the provided signature in constant time.
func verifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}
