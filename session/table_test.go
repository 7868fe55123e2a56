package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInsertGetRemove(t *testing.T) {
	table := NewTable()
	now := time.Now()

	s := New(0xDEADBEEF, testEndpoint(), RoleInitiator, now)
	require.NoError(t, table.Insert(s))

	got, err := table.Get(0xDEADBEEF)
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.Error(t, table.Insert(New(0xDEADBEEF, testEndpoint(), RoleResponder, now)),
		"a CID maps to at most one session")

	table.Remove(0xDEADBEEF)
	_, err = table.Get(0xDEADBEEF)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestAllocateCIDAvoidsLiveAndCooling(t *testing.T) {
	table := NewTable()
	now := time.Now()

	seen := make(map[uint32]struct{})
	for i := 0; i < 64; i++ {
		cid, err := table.AllocateCID()
		require.NoError(t, err)

		_, dup := seen[cid]
		require.False(t, dup, "allocator must not hand out a live CID")
		seen[cid] = struct{}{}

		require.NoError(t, table.Insert(New(cid, testEndpoint(), RoleInitiator, now)))
	}

	// Retire one and verify it stays out of circulation.
	var retired uint32
	for cid := range seen {
		retired = cid
		break
	}
	table.Remove(retired)

	for i := 0; i < 256; i++ {
		cid, err := table.AllocateCID()
		require.NoError(t, err)
		assert.NotEqual(t, retired, cid, "cooling CID must not be reallocated")
	}
}

func TestFindByPeer(t *testing.T) {
	table := NewTable()
	now := time.Now()

	peer := testPeer(1)
	s := New(1, testEndpoint(), RoleInitiator, now)
	s.Establish(testKey(1), peer, now)
	require.NoError(t, table.Insert(s))

	assert.Same(t, s, table.FindByPeer(peer.Fingerprint, RoleInitiator))
	assert.Nil(t, table.FindByPeer(peer.Fingerprint, RoleResponder))
	assert.Nil(t, table.FindByPeer(testPeer(2).Fingerprint, RoleInitiator))

	s.Close()
	assert.Nil(t, table.FindByPeer(peer.Fingerprint, RoleInitiator),
		"closed sessions must not be found")
}

func TestSuspendIdle(t *testing.T) {
	table := NewTable()
	base := time.Now()

	fresh := New(1, testEndpoint(), RoleInitiator, base)
	fresh.Establish(testKey(1), testPeer(1), base)
	stale := New(2, testEndpoint(), RoleInitiator, base)
	stale.Establish(testKey(2), testPeer(2), base)
	handshaking := New(3, testEndpoint(), RoleResponder, base)

	require.NoError(t, table.Insert(fresh))
	require.NoError(t, table.Insert(stale))
	require.NoError(t, table.Insert(handshaking))

	later := base.Add(10 * time.Minute)
	fresh.Touch(later)

	suspended := table.SuspendIdle(5*time.Minute, later)
	require.Len(t, suspended, 1)
	assert.Equal(t, uint32(2), suspended[0].CID())
	assert.Equal(t, StateSuspended, stale.State())
	assert.Equal(t, StateEstablished, fresh.State())
	assert.Equal(t, StateHandshaking, handshaking.State())
}
