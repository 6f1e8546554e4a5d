package network

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

type presenceRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *presenceRecorder) record(did protocol.DID, online bool) {
	r.mu.Lock()
	state := "offline"
	if online {
		state = "online"
	}
	r.events = append(r.events, string(did)+":"+state)
	r.mu.Unlock()
}

func (r *presenceRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func TestObserveMarksOnlineOnce(t *testing.T) {
	tracker := NewPresenceTracker()
	var rec presenceRecorder

	tracker.Observe("did:key:zbob", rec.record)
	tracker.Observe("did:key:zbob", rec.record)
	tracker.Observe("did:key:zcarol", rec.record)

	assert.True(t, tracker.IsOnline("did:key:zbob"))
	assert.Equal(t, []protocol.DID{"did:key:zbob", "did:key:zcarol"}, tracker.Online())

	// One transition event per peer, not one per observation.
	assert.Equal(t, []string{"did:key:zbob:online", "did:key:zcarol:online"}, rec.all())
}

func TestClearReportsEveryPeerOffline(t *testing.T) {
	tracker := NewPresenceTracker()
	tracker.Observe("did:key:zbob", nil)
	tracker.Observe("did:key:zcarol", nil)

	var rec presenceRecorder
	tracker.Clear(rec.record)

	assert.Empty(t, tracker.Online())
	assert.Equal(t, []string{"did:key:zbob:offline", "did:key:zcarol:offline"}, rec.all())
}

func TestTrafficMarksPeerOnline(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	// The handshake itself is traffic; both ends observed each other.
	assert.True(t, alice.Presence().IsOnline(bob.DID()))
	assert.True(t, bob.Presence().IsOnline(alice.DID()))
}

func TestPresenceClearedOnDisconnect(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var rec presenceRecorder
	alice.OnPresenceChanged = rec.record

	require.NoError(t, alice.Disconnect())
	require.Eventually(t, func() bool {
		return !alice.Presence().IsOnline(bob.DID())
	}, testTimeout, time.Millisecond)
	assert.Contains(t, rec.all(), string(bob.DID())+":offline")
}

func TestPresenceAnnounceIsAcked(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	// A fresh reconnect announces presence to friends; the friend acks
	// so both sides converge.
	require.NoError(t, bob.Disconnect())
	require.Eventually(t, func() bool {
		return bob.State() == StateDisconnected
	}, testTimeout, time.Millisecond)

	connectClient(t, bob)
	require.Eventually(t, func() bool {
		return alice.Presence().IsOnline(bob.DID()) && bob.Presence().IsOnline(alice.DID())
	}, testTimeout, time.Millisecond)
}

func TestAccountMetadataUpdatesFriendName(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var got sync.Map
	bob.OnAccountMetadata = func(p *protocol.AccountMetadata) {
		got.Store(string(p.FromDID), p.DisplayName)
	}

	alice.BroadcastAccountMetadata("")
	require.Eventually(t, func() bool {
		_, ok := got.Load(string(alice.DID()))
		return ok
	}, testTimeout, time.Millisecond)
	assert.Equal(t, "Alice", bob.Friend(alice.DID()).DisplayName)
}
