package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret using
// a constant-time comparison. An empty secret disables verification. The
// optional "sha256=" prefix some senders add is accepted.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return true
	}
	given := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	want := ComputeSignature(secret, body)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(given)))
}
