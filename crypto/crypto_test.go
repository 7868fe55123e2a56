package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, keyPair)

	assert.False(t, isZeroKey(keyPair.Public), "public key must not be zero")
	assert.False(t, isZeroKey(keyPair.Private), "private key must not be zero")

	keyPair2, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, bytes.Equal(keyPair.Public[:], keyPair2.Public[:]),
		"two generations must not produce identical public keys")
}

func TestFromSecretKey(t *testing.T) {
	cases := []struct {
		name      string
		secretKey [32]byte
		wantError bool
	}{
		{
			name: "Valid key",
			secretKey: [32]byte{
				1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
				17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
			},
			wantError: false,
		},
		{
			name:      "Zero key",
			secretKey: [32]byte{},
			wantError: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keyPair, err := FromSecretKey(tc.secretKey)
			if tc.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, keyPair)
			assert.Equal(t, tc.secretKey, keyPair.Private,
				"private key must be stored unclamped")
			assert.False(t, isZeroKey(keyPair.Public))
		})
	}
}

func TestDHSymmetry(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DH(a.Private, b.Public)
	require.NoError(t, err)
	ba, err := DH(b.Private, a.Public)
	require.NoError(t, err)

	assert.Equal(t, ab, ba, "DH must be symmetric")
	assert.False(t, isZeroKey(ab))
}

func TestDHRejectsLowOrderResult(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)

	// The all-zero public key is a low-order point; X25519 yields an
	// all-zero shared secret which must be rejected.
	var zeroPub [32]byte
	_, err = DH(a.Private, zeroPub)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestKDFDeterministicAndLengths(t *testing.T) {
	input := []byte("shared secret material")

	k1 := KDF(input, 32)
	k2 := KDF(input, 32)
	require.Len(t, k1, 32)
	assert.Equal(t, k1, k2, "KDF must be deterministic")

	n1 := KDF(input, 12)
	require.Len(t, n1, 12)

	other := KDF([]byte("different input"), 32)
	assert.NotEqual(t, k1, other)
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], KDF([]byte("test key"), 32))

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("hola")
	ciphertext := Seal(key, nonce, plaintext, nil)
	require.Len(t, ciphertext, len(plaintext)+16, "ciphertext carries a 16-byte tag")

	out, err := Open(key, nonce, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	copy(key[:], KDF([]byte("test key"), 32))

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ciphertext := Seal(key, nonce, []byte("hola"), nil)

	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		_, err := Open(key, nonce, tampered, nil)
		assert.ErrorIs(t, err, ErrAuthFailure, "flipping byte %d must fail authentication", i)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	var key [32]byte
	copy(key[:], KDF([]byte("test key"), 32))

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ciphertext := Seal(key, nonce, []byte("hola"), []byte("header"))

	_, err = Open(key, nonce, ciphertext, []byte("other"))
	assert.ErrorIs(t, err, ErrAuthFailure)

	out, err := Open(key, nonce, ciphertext, []byte("header"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hola"), out)
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[Nonce]struct{})
	for i := 0; i < 1000; i++ {
		n, err := GenerateNonce()
		require.NoError(t, err)
		_, dup := seen[n]
		require.False(t, dup, "nonce collision in 1000 draws")
		seen[n] = struct{}{}
	}
}

func TestZeroize(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	kp.Zeroize()
	assert.True(t, isZeroKey(kp.Private))
}
