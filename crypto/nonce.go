package crypto

import (
	"crypto/rand"

	"github.com/sirupsen/logrus"
)

// NonceSize is the AEAD nonce size in bytes.
const NonceSize = 12

// Nonce is a 96-bit value used for record and handshake encryption.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce. Record
// nonces are always random; counters would collide across the two
// directions of the single session key.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "GenerateNonce",
			"package":   "crypto",
			"error":     err.Error(),
			"operation": "rand.Read",
		}).Error("Failed to generate cryptographically secure nonce")
		return Nonce{}, err
	}
	return nonce, nil
}

// NonceFromBytes builds a Nonce from the first NonceSize bytes of b.
// Callers must have validated the length.
func NonceFromBytes(b []byte) Nonce {
	var nonce Nonce
	copy(nonce[:], b)
	return nonce
}
