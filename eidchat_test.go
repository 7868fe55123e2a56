package eidchat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/eidchat/config"
	"github.com/opd-ai/eidchat/identity"
	"github.com/opd-ai/eidchat/identity/identitytest"
	"github.com/opd-ai/eidchat/session"
	"github.com/opd-ai/eidchat/storage"
)

type fakeCard struct{ cert []byte }

func (f *fakeCard) Certificate(ctx context.Context) ([]byte, error) { return f.cert, nil }
func (f *fakeCard) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return append([]byte("sig:"), data...), nil
}

// coreHarness is one peer in an end-to-end exchange over loopback UDP.
type coreHarness struct {
	core        *Core
	store       *storage.MemoryStore
	fingerprint identity.Fingerprint

	mu         sync.Mutex
	newPeers   []string
	confirmed  []identity.Fingerprint
	mismatches []string
	closed     []string
	messages   []string
	delivered  []string
	failed     []string
}

func testConfig(listenAddr string) *config.Config {
	cfg := config.Default()
	cfg.ListenIP = "127.0.0.1"
	cfg.UDPPort = 0
	if listenAddr != "" {
		host, port, err := net.SplitHostPort(listenAddr)
		if err == nil {
			cfg.ListenIP = host
			addr, _ := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
			cfg.UDPPort = addr.Port
		}
	}
	cfg.HandshakeTimeoutSeconds = 0.2
	cfg.MessageRetrySeconds = 0.2
	return cfg
}

func newCoreHarness(t *testing.T, ca *identitytest.CA, name, listenAddr string) *coreHarness {
	t.Helper()

	leaf, err := ca.ValidLeaf(name)
	require.NoError(t, err)

	h := &coreHarness{
		store:       storage.NewMemoryStore(),
		fingerprint: identity.ComputeFingerprint(leaf),
	}

	core, err := New(Options{
		Config:  testConfig(listenAddr),
		Card:    &fakeCard{cert: leaf},
		Gateway: h.store,
		Roots:   [][]byte{ca.DER},
	})
	require.NoError(t, err)
	h.core = core
	t.Cleanup(func() { _ = core.Close() })

	core.OnNewPeer(func(fp identity.Fingerprint, displayName string) {
		h.mu.Lock()
		h.newPeers = append(h.newPeers, displayName)
		h.mu.Unlock()
	})
	core.OnPeerConfirmed(func(fp identity.Fingerprint) {
		h.mu.Lock()
		h.confirmed = append(h.confirmed, fp)
		h.mu.Unlock()
	})
	core.OnPinMismatch(func(endpoint string, fp identity.Fingerprint) {
		h.mu.Lock()
		h.mismatches = append(h.mismatches, endpoint)
		h.mu.Unlock()
	})
	core.OnSessionClosed(func(cid uint32, reason string) {
		h.mu.Lock()
		h.closed = append(h.closed, reason)
		h.mu.Unlock()
	})
	core.OnMessage(func(peer identity.Fingerprint, uuid, text string) {
		h.mu.Lock()
		h.messages = append(h.messages, text)
		h.mu.Unlock()
	})
	core.OnMessageDelivered(func(uuid string) {
		h.mu.Lock()
		h.delivered = append(h.delivered, uuid)
		h.mu.Unlock()
	})
	core.OnMessageFailed(func(uuid, reason string) {
		h.mu.Lock()
		h.failed = append(h.failed, uuid)
		h.mu.Unlock()
	})

	return h
}

func (h *coreHarness) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *coreHarness) deliveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

// connect runs a full handshake from a to b and waits for both sides.
func connect(t *testing.T, a, b *coreHarness) *session.Session {
	t.Helper()

	s, err := a.core.Dial(context.Background(), b.core.StaticPublicKey(), b.core.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == session.StateEstablished
	}, 3*time.Second, 10*time.Millisecond, "initiator never established")

	require.Eventually(t, func() bool {
		return b.core.PeerSession(a.fingerprint) != nil
	}, 3*time.Second, 10*time.Millisecond, "responder never established")

	return s
}

func TestFreshHandshakePinsBothSides(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")

	aSess := connect(t, alice, bob)

	bSess := bob.core.PeerSession(alice.fingerprint)
	require.NotNil(t, bSess)
	assert.Equal(t, aSess.Key(), bSess.Key(), "both sides must derive the same session key")

	// Bob pinned Alice on first use and surfaced the new peer.
	pinned, err := bob.store.Contacts().Get(context.Background(), alice.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "Alice", pinned.DisplayName)
	assert.False(t, pinned.Confirmed)

	bob.mu.Lock()
	assert.Equal(t, []string{"Alice"}, bob.newPeers)
	bob.mu.Unlock()

	// Confirming completes the TOFU flow.
	require.NoError(t, bob.core.ConfirmPeer(context.Background(), alice.fingerprint))
	pinned, err = bob.store.Contacts().Get(context.Background(), alice.fingerprint)
	require.NoError(t, err)
	assert.True(t, pinned.Confirmed)
}

func TestMessageAndAck(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")
	connect(t, alice, bob)

	uuid, err := alice.core.SendMessage(context.Background(), bob.fingerprint, "hola")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.messageCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "message never delivered")

	require.Eventually(t, func() bool {
		return alice.deliveredCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "ACK never arrived")

	bob.mu.Lock()
	assert.Equal(t, []string{"hola"}, bob.messages)
	bob.mu.Unlock()
	alice.mu.Lock()
	assert.Equal(t, []string{uuid}, alice.delivered)
	alice.mu.Unlock()

	// Both logs carry the message, delivered on both ends.
	aHist, err := alice.core.History(context.Background(), bob.fingerprint, 10)
	require.NoError(t, err)
	require.Len(t, aHist, 1)
	assert.True(t, aHist[0].Delivered)
	assert.Equal(t, storage.DirectionOutbound, aHist[0].Direction)

	bHist, err := bob.core.History(context.Background(), alice.fingerprint, 10)
	require.NoError(t, err)
	require.Len(t, bHist, 1)
	assert.Equal(t, storage.DirectionInbound, bHist[0].Direction)
	assert.Equal(t, "hola", bHist[0].Text)
}

func TestSendWithoutSessionFails(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")

	_, err = alice.core.SendMessage(context.Background(), bob.fingerprint, "hola")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestResumeAfterSuspension(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")
	aSess := connect(t, alice, bob)
	bSess := bob.core.PeerSession(alice.fingerprint)
	require.NotNil(t, bSess)

	// The link goes idle past the threshold on both ends.
	require.True(t, aSess.Suspend())
	require.True(t, bSess.Suspend())

	// Sending to a suspended peer nudges RECONNECT_REQ and still flows;
	// the peer's first successful decrypt is an implicit resume.
	_, err = alice.core.SendMessage(context.Background(), bob.fingerprint, "sigues ahi?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.messageCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "message never delivered after resume")

	require.Eventually(t, func() bool {
		return aSess.State() == session.StateEstablished &&
			bSess.State() == session.StateEstablished
	}, 3*time.Second, 10*time.Millisecond, "sessions never promoted back")
}

func TestSessionKeyCachedOnEstablishment(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")
	connect(t, alice, bob)

	// Alice's established-session key was cached on establishment.
	cached, err := alice.store.Sessions().Load(context.Background(), bob.fingerprint)
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, cached.Key)
}

func TestPinMismatchAtKnownEndpoint(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")
	connect(t, alice, bob)

	aliceAddr := alice.core.LocalAddr().String()
	require.NoError(t, alice.core.Close())

	// Give the OS a moment to release the port, then bind a different
	// identity on Alice's old endpoint.
	time.Sleep(50 * time.Millisecond)
	mallory := newCoreHarness(t, ca, "Mallory", aliceAddr)

	_, err = mallory.core.Dial(context.Background(), bob.core.StaticPublicKey(), bob.core.LocalAddr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return len(bob.mismatches) == 1
	}, 3*time.Second, 10*time.Millisecond, "pin mismatch never surfaced")

	// Mallory was not pinned and got no session.
	_, err = bob.store.Contacts().Get(context.Background(), mallory.fingerprint)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, bob.core.PeerSession(mallory.fingerprint))

	// The prior pin is untouched.
	pinned, err := bob.store.Contacts().Get(context.Background(), alice.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "Alice", pinned.DisplayName)
}

func TestMalformedDatagramsIgnored(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	bob := newCoreHarness(t, ca, "Bob", "")

	raw, err := net.Dial("udp", bob.core.LocalAddr().String())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0xFF, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	_, err = raw.Write([]byte{0x02})
	require.NoError(t, err)
	// A MSG for a CID nobody owns.
	_, err = raw.Write(append([]byte{0x02, 0, 0, 0, 9}, make([]byte, 40)...))
	require.NoError(t, err)

	// Silence policy: nothing comes back.
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = raw.Read(buf)
	netErr, ok := err.(net.Error)
	require.True(t, ok && netErr.Timeout(), "core must not answer invalid input, got %v", err)
}

func TestDiscoveryHintsRoundTrip(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	bob := newCoreHarness(t, ca, "Bob", "")

	assert.Empty(t, bob.core.Nearby())

	bob.core.HandleDiscovery("Alice's laptop", net.IPv4(10, 0, 0, 2), 6666)
	bob.core.HandleDiscovery("Alice's laptop", net.IPv4(10, 0, 0, 3), 6666)

	nearby := bob.core.Nearby()
	require.Len(t, nearby, 1, "newer advertisement replaces older")
	assert.Equal(t, "10.0.0.3:6666", nearby[0].Endpoint.String())

	port, hint := bob.core.Advertisement("Bob's desk")
	assert.NotZero(t, port)
	assert.Equal(t, "Bob's desk", hint)
}

func TestDialContactUsesPinnedEndpoint(t *testing.T) {
	ca, err := identitytest.NewCA("Test National Root")
	require.NoError(t, err)

	alice := newCoreHarness(t, ca, "Alice", "")
	bob := newCoreHarness(t, ca, "Bob", "")
	connect(t, alice, bob)

	// Bob can dial back using only the pin.
	s, err := bob.core.DialContact(context.Background(), alice.fingerprint)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.State() == session.StateEstablished
	}, 3*time.Second, 10*time.Millisecond)
}
