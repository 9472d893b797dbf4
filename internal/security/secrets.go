package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum length for a webhook secret to be
	// considered strong.
	MinSecretLength = 32

	// MinEntropy is the minimum Shannon entropy threshold for secrets.
	MinEntropy = 3.5

	// PlaceholderSecret is the shared secret used when none is configured.
	// Any real deployment must override it.
	PlaceholderSecret = "deployhook-secret"
)

var forbiddenSecrets = map[string]bool{
	PlaceholderSecret:         true,
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"your-secret-here":        true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

// ValidateSecret reports why a webhook secret is weak, or nil if it is
// acceptable. Checks minimum length, known placeholder values and Shannon
// entropy.
func ValidateSecret(secret string) error {
	secretLower := strings.ToLower(secret)
	if forbiddenSecrets[secretLower] {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}

	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	if strings.Contains(secretLower, "replace") ||
		strings.Contains(secretLower, "changeme") ||
		strings.Contains(secretLower, "password") {
		return fmt.Errorf("secret appears to be a placeholder value")
	}

	entropy := calculateEntropy(secret)
	if entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f) - use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret creates a cryptographically secure random secret.
// Returns a 48-character base64-encoded string.
func GenerateSecret() (string, error) {
	// 36 bytes encode to 48 characters in base64
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// calculateEntropy computes the Shannon entropy of a string.
// Returns a value between 0 (completely predictable) and ~8 (maximum entropy for byte strings).
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))

	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}
