package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrCryptoFailure indicates a primitive produced an unusable result,
	// such as an all-zero Diffie-Hellman output.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrAuthFailure indicates an AEAD open failed authentication.
	ErrAuthFailure = errors.New("authentication failure")
)

// SessionKeySize is the size in bytes of a derived session key.
const SessionKeySize = 32

// DH performs raw Curve25519 scalar multiplication between a private and a
// public key. An all-zero shared secret is rejected as ErrCryptoFailure.
func DH(priv, pub [32]byte) ([32]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "DH",
		"package":  "crypto",
	})

	var secret [32]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":     err.Error(),
			"operation": "curve25519_x25519",
		}).Error("Diffie-Hellman computation failed")
		return secret, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	copy(secret[:], out)
	ZeroBytes(out)

	if isZeroKey(secret) {
		logger.WithFields(logrus.Fields{
			"error":     "all-zero shared secret",
			"operation": "dh_output_validation",
		}).Error("Diffie-Hellman produced a low-order result")
		return [32]byte{}, ErrCryptoFailure
	}

	return secret, nil
}

// KDF derives n bytes from input using unkeyed BLAKE2b. It serves both
// session-key derivation and handshake nonce derivation.
func KDF(input []byte, n int) []byte {
	h, err := blake2b.NewXOF(uint32(n), nil)
	if err != nil {
		// Only reachable with an invalid output length; the protocol asks
		// for 12 or 32 bytes.
		panic(fmt.Sprintf("crypto: blake2b XOF init: %v", err))
	}
	h.Write(input)

	out := make([]byte, n)
	if _, err := h.Read(out); err != nil {
		panic(fmt.Sprintf("crypto: blake2b XOF read: %v", err))
	}
	return out
}

// Hash256 computes the BLAKE2b-256 digest of data. Certificate fingerprints
// use this directly.
func Hash256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Seal encrypts and authenticates plaintext with ChaCha20-Poly1305 under
// key and nonce. The aad parameter is empty on today's wire format but is
// threaded through so the packet header can be bound later without touching
// call sites.
func Seal(key [32]byte, nonce Nonce, plaintext, aad []byte) []byte {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// chacha20poly1305.New only rejects bad key sizes, and the key is
		// a fixed 32-byte array.
		panic(fmt.Sprintf("crypto: aead init: %v", err))
	}
	return aead.Seal(nil, nonce[:], plaintext, aad)
}

// Open decrypts and verifies a ciphertext produced by Seal. On any
// authentication failure it returns ErrAuthFailure.
func Open(key [32]byte, nonce Nonce, ciphertext, aad []byte) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "crypto",
	})

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(fmt.Sprintf("crypto: aead init: %v", err))
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"ciphertext_size": len(ciphertext),
			"operation":       "aead_open",
		}).Debug("AEAD open failed authentication")
		return nil, ErrAuthFailure
	}

	return plaintext, nil
}
