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

func TestFriendHandshakeCompletes(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)

	var mu sync.Mutex
	var bobSawRequest *PendingRequest
	bob.OnFriendRequest = func(p *PendingRequest) {
		mu.Lock()
		bobSawRequest = p
		mu.Unlock()
	}

	pending, err := alice.SendFriendRequest(bob.DID(), "it's alice")
	require.NoError(t, err)
	assert.Equal(t, DirectionOutgoing, pending.Direction)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bobSawRequest != nil
	}, testTimeout, time.Millisecond)
	assert.Equal(t, alice.DID(), bobSawRequest.PeerDID)
	assert.Equal(t, "it's alice", bobSawRequest.Message)

	// Bob holds a FriendRecord the moment he accepts.
	friend, err := bob.AcceptFriendRequest(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.DID(), friend.DID)
	assert.Equal(t, "Alice", friend.DisplayName)

	// Alice's record appears once the acceptance arrives.
	require.Eventually(t, func() bool { return alice.Friend(bob.DID()) != nil }, testTimeout, time.Millisecond)

	// Both derive the same conversation id.
	assert.Equal(t, alice.Friend(bob.DID()).ConversationID, bob.Friend(alice.DID()).ConversationID)

	// The pending entries are gone on both sides.
	assert.Empty(t, alice.PendingRequests())
	assert.Empty(t, bob.PendingRequests())
}

func TestFriendRequestRejected(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)

	var mu sync.Mutex
	var rejectedID string
	alice.OnFriendRejected = func(requestID string) {
		mu.Lock()
		rejectedID = requestID
		mu.Unlock()
	}

	pending, err := alice.SendFriendRequest(bob.DID(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bob.PendingRequests()) > 0 }, testTimeout, time.Millisecond)
	require.NoError(t, bob.RejectFriendRequest(pending.ID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejectedID == pending.ID
	}, testTimeout, time.Millisecond)
	assert.Nil(t, alice.Friend(bob.DID()))
	assert.Nil(t, bob.Friend(alice.DID()))
}

func TestDuplicateFriendRequestIsIdempotent(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)

	req := &protocol.FriendRequest{
		ID:                "req-1",
		FromDID:           alice.DID(),
		FromDisplayName:   "Alice",
		FromSigningKey:    "3yZe7d", // valid base58
		FromEncryptionKey: "3yZe7d",
		Message:           "first",
	}
	bob.handleFriendRequest(req)
	req.Message = "second"
	bob.handleFriendRequest(req)

	pending := bob.PendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Message)
}

func TestAutoAcceptFriends(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")

	bobIdentity := newTestClient(t, relay, clk, "Bob").identity
	bob := NewClient(bobIdentity, &ClientConfig{
		Transport:         newFakeTransport(relay),
		Clock:             clk,
		DisplayName:       "Bob",
		AutoAcceptFriends: true,
	})
	t.Cleanup(func() { bob.Disconnect() })

	connectClient(t, alice)
	connectClient(t, bob)

	_, err := alice.SendFriendRequest(bob.DID(), "")
	require.NoError(t, err)

	// No manual accept; the handshake still completes on both sides.
	require.Eventually(t, func() bool {
		return alice.Friend(bob.DID()) != nil && bob.Friend(alice.DID()) != nil
	}, testTimeout, time.Millisecond)
}

func TestFriendResponseForUnknownRequestIgnored(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")

	alice.handleFriendResponse(&protocol.FriendResponse{
		RequestID: "never-sent",
		FromDID:   "did:key:zmallory",
		Accepted:  true,
	})
	assert.Nil(t, alice.Friend("did:key:zmallory"))
}
