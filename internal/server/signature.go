package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignaturePrefix = "sha256="
)

// Sign returns the X-Hub-Signature-256 value for payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies the HMAC-SHA256 signature from GitHub webhook.
// It must run on the raw body before anything parses it.
func VerifySignature(payload []byte, signature, secret string) bool {
	// An empty secret would let anyone sign
	if secret == "" {
		return false
	}

	// Signature must be present
	if signature == "" {
		return false
	}

	// Signature format: "sha256=<hex_digest>"
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	// Constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
