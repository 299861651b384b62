package signing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "my-secret-key"

	sig, err := Sign(payload, secret, AlgorithmSHA256)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "sha256="), "got %s", sig)

	assert.True(t, Verify(payload, secret, AlgorithmSHA256, sig))
	assert.False(t, Verify(payload, "wrong-secret", AlgorithmSHA256, sig))
	assert.False(t, Verify([]byte("tampered"), secret, AlgorithmSHA256, sig))
}

func TestSign_Deterministic(t *testing.T) {
	payload := []byte(`{"id":1,"amount":4200}`)

	for _, alg := range []string{AlgorithmSHA256, AlgorithmSHA512} {
		t.Run(alg, func(t *testing.T) {
			first, err := Sign(payload, "s3cret", alg)
			require.NoError(t, err)
			second, err := Sign(payload, "s3cret", alg)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			changed := append([]byte(nil), payload...)
			changed[len(changed)-2] = '1'
			third, err := Sign(changed, "s3cret", alg)
			require.NoError(t, err)
			assert.NotEqual(t, first, third)
		})
	}
}

func TestSign_SHA512Length(t *testing.T) {
	sig, err := Sign([]byte("x"), "k", AlgorithmSHA512)
	require.NoError(t, err)
	assert.Len(t, strings.TrimPrefix(sig, "sha512="), 128)
}

func TestSign_UnknownAlgorithm(t *testing.T) {
	_, err := Sign([]byte("x"), "k", "md5")
	assert.Error(t, err)
	assert.False(t, Verify([]byte("x"), "k", "md5", "md5=00"))
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "whsec_"))
	assert.Len(t, a, len("whsec_")+64)
	assert.NotEqual(t, a, b)
}
