package server

import (
	"strings"
	"testing"
)

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "test-secret-at-least-32-chars-long-here"
	signature := Sign(payload, secret)

	if !VerifySignature(payload, signature, secret) {
		t.Error("Expected valid signature to be accepted")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "test-secret-at-least-32-chars-long-here"
	wrongSecret := "wrong-secret-at-least-32-chars-long-x"
	signature := Sign(payload, wrongSecret)

	if VerifySignature(payload, signature, secret) {
		t.Error("Expected invalid signature to be rejected")
	}
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "test-secret-at-least-32-chars-long-here"

	if VerifySignature(payload, "", secret) {
		t.Error("Expected missing signature to be rejected")
	}
}

func TestVerifySignature_MalformedSignature(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	secret := "test-secret-at-least-32-chars-long-here"

	testCases := []struct {
		name      string
		signature string
	}{
		{"no prefix", "abc123def456"},
		{"wrong prefix", "sha1=abc123def456"},
		{"no equals", "sha256abc123def456"},
		{"empty after prefix", "sha256="},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if VerifySignature(payload, tc.signature, secret) {
				t.Errorf("Expected malformed signature '%s' to be rejected", tc.signature)
			}
		})
	}
}

func TestVerifySignature_EmptySecret(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)

	if VerifySignature(payload, Sign(payload, ""), "") {
		t.Error("Expected an empty secret to reject every signature")
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	secret := "test-secret-at-least-32-chars-long-here"
	signature := Sign([]byte(`{"ref":"refs/heads/main"}`), secret)

	if VerifySignature([]byte(`{"ref":"refs/heads/prod"}`), signature, secret) {
		t.Error("Expected signature over a different body to be rejected")
	}
}

func TestVerifySignature_Properties(t *testing.T) {
	secrets := []string{"s", "test-secret-at-least-32-chars-long-here", "ünïcødé-secret"}
	bodies := [][]byte{{}, []byte("{}"), []byte(`{"zen":"Keep it logically awesome."}`), make([]byte, 4096)}

	for _, secret := range secrets {
		for _, body := range bodies {
			good := Sign(body, secret)
			if !VerifySignature(body, good, secret) {
				t.Errorf("valid signature rejected (secret %q, %d-byte body)", secret, len(body))
			}
			if VerifySignature(body, good+"0", secret) {
				t.Error("signature with trailing data accepted")
			}
			if VerifySignature(body, strings.ToUpper(good), secret) {
				t.Error("upper-cased signature accepted")
			}
			if VerifySignature(body, "", secret) {
				t.Error("empty signature accepted")
			}
		}
	}
}
