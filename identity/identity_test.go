package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/eidchat/identity/identitytest"
)

func TestComputeFingerprintStable(t *testing.T) {
	der := []byte("certificate bytes")

	f1 := ComputeFingerprint(der)
	f2 := ComputeFingerprint(der)
	assert.Equal(t, f1, f2, "fingerprint must be stable")

	f3 := ComputeFingerprint([]byte("other bytes"))
	assert.NotEqual(t, f1, f3)

	assert.Len(t, f1.String(), 64)
	assert.Len(t, f1.Short(), 8)
}

func TestNewIdentityCopiesCert(t *testing.T) {
	der := []byte{1, 2, 3, 4}
	id := NewIdentity(der, "Alice")

	der[0] = 99
	assert.Equal(t, byte(1), id.CertDER[0], "identity must not alias caller's slice")
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestVerifierAcceptsChainedLeaf(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	leaf, err := ca.ValidLeaf("GARCIA LOPEZ, MARIA (AUTENTICACION)")
	require.NoError(t, err)

	v, err := NewVerifier([][]byte{ca.DER})
	require.NoError(t, err)

	id, err := v.Verify(leaf)
	require.NoError(t, err)
	assert.Equal(t, "GARCIA LOPEZ, MARIA (AUTENTICACION)", id.DisplayName)
	assert.Equal(t, ComputeFingerprint(leaf), id.Fingerprint)
}

func TestVerifierRejectsUnknownRoot(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)
	otherCA, err := identitytest.NewCA("Some Other Root")
	require.NoError(t, err)

	leaf, err := otherCA.ValidLeaf("Mallory")
	require.NoError(t, err)

	v, err := NewVerifier([][]byte{ca.DER})
	require.NoError(t, err)

	_, err = v.Verify(leaf)
	assert.ErrorIs(t, err, ErrUntrustedIssuer)
}

func TestVerifierRejectsGarbageDER(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	v, err := NewVerifier([][]byte{ca.DER})
	require.NoError(t, err)

	_, err = v.Verify([]byte("definitely not DER"))
	assert.ErrorIs(t, err, ErrUntrustedIssuer)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestVerifierRejectsExpiredCertificate(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	leaf, err := ca.Leaf("Alice", time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)

	v, err := NewVerifier([][]byte{ca.DER})
	require.NoError(t, err)

	_, err = v.Verify(leaf)
	assert.ErrorIs(t, err, ErrUntrustedIssuer)

	// With the clock rolled back inside the validity window the same
	// certificate verifies.
	v.SetTimeProvider(fixedClock{t: time.Now().Add(-36 * time.Hour)})
	_, err = v.Verify(leaf)
	assert.NoError(t, err)
}

func TestNewVerifierRequiresRoots(t *testing.T) {
	_, err := NewVerifier(nil)
	assert.Error(t, err)
}

type fakeCard struct {
	cert     []byte
	certErr  error
	signErr  error
	certHits int
	signHits int
}

func (f *fakeCard) Certificate(ctx context.Context) ([]byte, error) {
	f.certHits++
	if f.certErr != nil {
		return nil, f.certErr
	}
	return f.cert, nil
}

func (f *fakeCard) Sign(ctx context.Context, data []byte) ([]byte, error) {
	f.signHits++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return append([]byte("sig:"), data...), nil
}

func TestCardSessionCachesCertificate(t *testing.T) {
	card := &fakeCard{cert: []byte("local cert")}
	cs := NewCardSession(card)

	ctx := context.Background()
	c1, err := cs.Certificate(ctx)
	require.NoError(t, err)
	c2, err := cs.Certificate(ctx)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, 1, card.certHits, "certificate must be cached after first fetch")
	assert.True(t, cs.Available())
}

func TestCardSessionLatchesUnavailable(t *testing.T) {
	card := &fakeCard{certErr: errors.New("no card in reader")}
	cs := NewCardSession(card)

	_, err := cs.Certificate(context.Background())
	assert.ErrorIs(t, err, ErrCardUnavailable)
	assert.False(t, cs.Available())

	_, err = cs.Sign(context.Background(), []byte("transcript"))
	assert.ErrorIs(t, err, ErrCardUnavailable)

	// Reinserting the card clears the latch.
	cs.Reset(&fakeCard{cert: []byte("fresh cert")})
	got, err := cs.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh cert"), got)
}

func TestCardSessionSignFailureLatches(t *testing.T) {
	card := &fakeCard{cert: []byte("cert"), signErr: errors.New("pin timeout")}
	cs := NewCardSession(card)

	// Cache the certificate first; it must keep serving afterwards.
	_, err := cs.Certificate(context.Background())
	require.NoError(t, err)

	_, err = cs.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrCardUnavailable)

	got, err := cs.Certificate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), got)
	assert.True(t, cs.Available(), "cached cert keeps handshakes possible")
}
