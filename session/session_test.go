package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/eidchat/crypto"
	"github.com/opd-ai/eidchat/identity"
)

func testEndpoint() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6666}
}

func testPeer(seed byte) *identity.Identity {
	return identity.NewIdentity([]byte{seed, 1, 2, 3}, "Peer")
}

func testKey(seed byte) [32]byte {
	var k [32]byte
	copy(k[:], crypto.KDF([]byte{seed}, 32))
	return k
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Now()
	s := New(0xDEADBEEF, testEndpoint(), RoleInitiator, now)

	assert.Equal(t, uint32(0xDEADBEEF), s.CID())
	assert.Equal(t, StateHandshaking, s.State())
	assert.Nil(t, s.Peer())

	s.Establish(testKey(1), testPeer(1), now)
	assert.Equal(t, StateEstablished, s.State())
	require.NotNil(t, s.Peer())

	require.True(t, s.Suspend())
	assert.Equal(t, StateSuspended, s.State())
	assert.False(t, s.Suspend(), "suspending twice must be a no-op")

	require.True(t, s.Resume(now))
	assert.Equal(t, StateEstablished, s.State())

	s.Enqueue("uuid-1", "text", now)
	failed := s.Close()
	assert.Equal(t, []string{"uuid-1"}, failed)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, s.Close(), "closing twice must be a no-op")

	key := s.Key()
	assert.Equal(t, [32]byte{}, key, "session key must be wiped on close")
}

func TestSessionQueueAckOrder(t *testing.T) {
	now := time.Now()
	s := New(1, testEndpoint(), RoleInitiator, now)
	s.Establish(testKey(1), testPeer(1), now)

	s.Enqueue("a", "first", now)
	s.Enqueue("b", "second", now)
	s.Enqueue("c", "third", now)

	pending := s.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].UUID, "queue must preserve send order")

	assert.True(t, s.Ack("b"))
	assert.False(t, s.Ack("b"), "double ack must report not-found")

	pending = s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"a", "c"}, []string{pending[0].UUID, pending[1].UUID})
}

func TestMarkUUIDSeenBounded(t *testing.T) {
	now := time.Now()
	s := New(1, testEndpoint(), RoleResponder, now)

	assert.True(t, s.MarkUUIDSeen("u1"))
	assert.False(t, s.MarkUUIDSeen("u1"), "duplicate must be rejected")

	for i := 0; i < seenUUIDLimit; i++ {
		s.MarkUUIDSeen(string(rune(i)) + "-filler")
	}
	// u1 has been evicted by now and is accepted again.
	assert.True(t, s.MarkUUIDSeen("u1"))
}

func TestSealOpenRecordRoundTrip(t *testing.T) {
	now := time.Now()
	s := New(1, testEndpoint(), RoleInitiator, now)
	s.Establish(testKey(7), testPeer(1), now)

	r := New(2, testEndpoint(), RoleResponder, now)
	r.Establish(testKey(7), testPeer(2), now)

	payload, err := s.SealRecord([]byte("hola"), nil)
	require.NoError(t, err)

	plaintext, closeNow, err := r.OpenRecord(payload, nil, now)
	require.NoError(t, err)
	assert.False(t, closeNow)
	assert.Equal(t, []byte("hola"), plaintext)
}

func TestOpenRecordRejectsReplay(t *testing.T) {
	now := time.Now()
	a := New(1, testEndpoint(), RoleInitiator, now)
	a.Establish(testKey(7), testPeer(1), now)
	b := New(2, testEndpoint(), RoleResponder, now)
	b.Establish(testKey(7), testPeer(2), now)

	payload, err := a.SealRecord([]byte("hola"), nil)
	require.NoError(t, err)

	_, _, err = b.OpenRecord(payload, nil, now)
	require.NoError(t, err)

	// The exact same datagram again is a replay.
	_, closeNow, err := b.OpenRecord(payload, nil, now)
	assert.ErrorIs(t, err, ErrReplay)
	assert.False(t, closeNow, "a replay is not an auth failure")
}

func TestOpenRecordFailureThreshold(t *testing.T) {
	now := time.Now()
	a := New(1, testEndpoint(), RoleInitiator, now)
	a.Establish(testKey(7), testPeer(1), now)
	b := New(2, testEndpoint(), RoleResponder, now)
	b.Establish(testKey(8), testPeer(2), now) // wrong key: every open fails

	var closeNow bool
	for i := 0; i < failThreshold; i++ {
		payload, err := a.SealRecord([]byte("hola"), nil)
		require.NoError(t, err)
		_, closeNow, err = b.OpenRecord(payload, nil, now)
		require.ErrorIs(t, err, crypto.ErrAuthFailure)
		if i < failThreshold-1 {
			assert.False(t, closeNow, "threshold must not trip on failure %d", i+1)
		}
	}
	assert.True(t, closeNow, "threshold must trip on failure %d", failThreshold)
}

func TestOpenRecordFailureWindowSlides(t *testing.T) {
	now := time.Now()
	a := New(1, testEndpoint(), RoleInitiator, now)
	a.Establish(testKey(7), testPeer(1), now)
	b := New(2, testEndpoint(), RoleResponder, now)
	b.Establish(testKey(8), testPeer(2), now)

	// Failures spread beyond the window never accumulate to the threshold.
	for i := 0; i < failThreshold*2; i++ {
		payload, err := a.SealRecord([]byte("x"), nil)
		require.NoError(t, err)
		at := now.Add(time.Duration(i) * failWindow)
		_, closeNow, err := b.OpenRecord(payload, nil, at)
		require.Error(t, err)
		assert.False(t, closeNow)
	}
}

func TestOpenRecordPromotesSuspended(t *testing.T) {
	now := time.Now()
	a := New(1, testEndpoint(), RoleInitiator, now)
	a.Establish(testKey(7), testPeer(1), now)
	b := New(2, testEndpoint(), RoleResponder, now)
	b.Establish(testKey(7), testPeer(2), now)

	require.True(t, b.Suspend())

	payload, err := a.SealRecord([]byte("wake up"), nil)
	require.NoError(t, err)

	_, _, err = b.OpenRecord(payload, nil, now)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, b.State(), "good decrypt must promote Suspended")
}

func TestRecordOpsRequireReadySession(t *testing.T) {
	now := time.Now()
	s := New(1, testEndpoint(), RoleInitiator, now)

	_, err := s.SealRecord([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)

	s.Establish(testKey(1), testPeer(1), now)
	s.Close()
	_, err = s.SealRecord([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}
