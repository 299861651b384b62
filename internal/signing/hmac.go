package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

const (
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA512 = "sha512"

	DefaultHeader = "X-Webhook-Signature"
)

func hasher(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		return sha256.New, nil
	case AlgorithmSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hmac algorithm %q", algorithm)
	}
}

// Sign computes the HMAC of payload with secret and returns "<algorithm>=<hex>".
func Sign(payload []byte, secret, algorithm string) (string, error) {
	h, err := hasher(algorithm)
	if err != nil {
		return "", err
	}
	if algorithm == "" {
		algorithm = AlgorithmSHA256
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks that signature matches the HMAC of payload with secret.
func Verify(payload []byte, secret, algorithm, signature string) bool {
	expected, err := Sign(payload, secret, algorithm)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateSecret returns a random 32-byte secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
