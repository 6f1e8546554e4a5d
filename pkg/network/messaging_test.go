package network

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

type messageRecorder struct {
	mu       sync.Mutex
	messages []*TrackedMessage
}

func (r *messageRecorder) record(m *TrackedMessage) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *messageRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *messageRecorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Content)
	}
	return out
}

func TestSendMessageDeliversPlaintext(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var rec messageRecorder
	bob.OnMessageReceived = rec.record

	messageID, err := alice.SendMessage(bob.DID(), "Hello B!")
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	require.Eventually(t, func() bool { return rec.len() == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, "Hello B!", rec.messages[0].Content)
	assert.Equal(t, alice.DID(), rec.messages[0].SenderDID)
	assert.Equal(t, string(alice.Friend(bob.DID()).ConversationID), rec.messages[0].ConversationID)
}

func TestSendMessageToNonFriendFails(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	connectClient(t, alice)

	messageID, err := alice.SendMessage("did:key:zstranger", "hello?")
	assert.ErrorIs(t, err, ErrNotFriend)
	assert.Empty(t, messageID)
}

func TestRapidMessagesArriveInOrder(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var rec messageRecorder
	bob.OnMessageReceived = rec.record

	const n = 50
	for i := 0; i < n; i++ {
		_, err := alice.SendMessage(bob.DID(), fmt.Sprintf("msg-%02d", i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.len() == n }, testTimeout, time.Millisecond)
	contents := rec.contents()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), contents[i])
	}
}

func TestReceiptsAdvanceSenderStatus(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	messageID, err := alice.SendMessage(bob.DID(), "are you there")
	require.NoError(t, err)

	// Relay ack then bob's delivered receipt.
	require.Eventually(t, func() bool {
		return alice.Message(messageID).Status == protocol.MessageStatusDelivered
	}, testTimeout, time.Millisecond)

	// The read receipt fires within two seconds of receipt. Advance in
	// small steps so the receipt timer is registered before time runs out.
	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		return alice.Message(messageID).Status == protocol.MessageStatusRead
	}, testTimeout, time.Millisecond)
}

func TestStatusNeverRegresses(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")

	alice.dataMu.Lock()
	alice.messages["m-1"] = &TrackedMessage{MessageID: "m-1", Status: protocol.MessageStatusSending}
	alice.dataMu.Unlock()

	alice.handleStatusUpdate(&protocol.StatusUpdate{MessageID: "m-1", Status: protocol.MessageStatusRead})
	assert.Equal(t, protocol.MessageStatusRead, alice.Message("m-1").Status)

	// Late receipts with lower rank are ignored.
	alice.handleStatusUpdate(&protocol.StatusUpdate{MessageID: "m-1", Status: protocol.MessageStatusDelivered})
	assert.Equal(t, protocol.MessageStatusRead, alice.Message("m-1").Status)

	alice.handleStatusUpdate(&protocol.StatusUpdate{MessageID: "m-1", Status: protocol.MessageStatusSent})
	assert.Equal(t, protocol.MessageStatusRead, alice.Message("m-1").Status)
}

func TestTransportAckCorrelatesFIFO(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")

	alice.dataMu.Lock()
	alice.messages["m-1"] = &TrackedMessage{MessageID: "m-1", Status: protocol.MessageStatusSending}
	alice.messages["m-2"] = &TrackedMessage{MessageID: "m-2", Status: protocol.MessageStatusSending}
	alice.dataMu.Unlock()
	alice.ackMu.Lock()
	alice.pendingAcks = []string{"m-1", "", "m-2"}
	alice.ackMu.Unlock()

	alice.handleTransportAck(&protocol.Frame{Type: protocol.FrameAck})
	assert.Equal(t, protocol.MessageStatusSent, alice.Message("m-1").Status)
	assert.Equal(t, protocol.MessageStatusSending, alice.Message("m-2").Status)

	// The placeholder entry for an untracked send advances nothing.
	alice.handleTransportAck(&protocol.Frame{Type: protocol.FrameAck})
	assert.Equal(t, protocol.MessageStatusSending, alice.Message("m-2").Status)

	alice.handleTransportAck(&protocol.Frame{Type: protocol.FrameAck})
	assert.Equal(t, protocol.MessageStatusSent, alice.Message("m-2").Status)

	// Acks beyond the queue are ignored.
	alice.handleTransportAck(&protocol.Frame{Type: protocol.FrameAck})
}

func TestAckAfterReconnectIgnoresPreDropSends(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	// A send whose ack never arrived before the connection dropped.
	alice.dataMu.Lock()
	alice.messages["m-dead"] = &TrackedMessage{MessageID: "m-dead", Status: protocol.MessageStatusSending}
	alice.dataMu.Unlock()
	alice.ackMu.Lock()
	alice.pendingAcks = append(alice.pendingAcks, "m-dead")
	alice.ackMu.Unlock()

	relay.mu.Lock()
	conn := relay.conns[alice.DID()]
	relay.mu.Unlock()
	conn.Close()
	require.Eventually(t, func() bool {
		return alice.State() == StateDisconnected
	}, testTimeout, time.Millisecond)

	connectClient(t, alice)

	freshID, err := alice.SendMessage(bob.DID(), "after the drop")
	require.NoError(t, err)

	// The new connection's acks confirm the new send, not the dead one.
	require.Eventually(t, func() bool {
		return alice.Message(freshID).Status != protocol.MessageStatusSending
	}, testTimeout, time.Millisecond)
	assert.Equal(t, protocol.MessageStatusSending, alice.Message("m-dead").Status)
}

func TestFailedSendRollbackRemovesItsEntry(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")

	// Senders racing in behind the failed one have already appended, so
	// the failed entry is no longer the tail.
	alice.ackMu.Lock()
	alice.pendingAcks = []string{"m-1", "m-2", ""}
	alice.ackMu.Unlock()

	alice.dropPendingAck("m-2")
	alice.ackMu.Lock()
	queue := append([]string(nil), alice.pendingAcks...)
	alice.ackMu.Unlock()
	assert.Equal(t, []string{"m-1", ""}, queue)

	// A placeholder rollback takes the newest placeholder.
	alice.dropPendingAck("")
	alice.ackMu.Lock()
	queue = append([]string(nil), alice.pendingAcks...)
	alice.ackMu.Unlock()
	assert.Equal(t, []string{"m-1"}, queue)

	// No matching entry leaves the queue untouched.
	alice.dropPendingAck("m-9")
	alice.ackMu.Lock()
	queue = append([]string(nil), alice.pendingAcks...)
	alice.ackMu.Unlock()
	assert.Equal(t, []string{"m-1"}, queue)
}

func TestDuplicateChatMessageDropped(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var rec messageRecorder
	bob.OnMessageReceived = rec.record

	_, err := alice.SendMessage(bob.DID(), "once")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 1 }, testTimeout, time.Millisecond)

	// Replay the exact envelope bob already processed.
	msg := rec.messages[0]
	bob.handleChatMessage(&protocol.ChatMessage{
		MessageID:      msg.MessageID,
		ConversationID: protocol.ConversationID(msg.ConversationID),
		SenderDID:      msg.SenderDID,
		Timestamp:      msg.Timestamp,
	})
	assert.Equal(t, 1, rec.len())
}

func TestThreadReplyRoutesToThreadCallback(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var plain, threaded messageRecorder
	bob.OnMessageReceived = plain.record
	bob.OnThreadReply = threaded.record

	rootID, err := alice.SendMessage(bob.DID(), "root")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return plain.len() == 1 }, testTimeout, time.Millisecond)

	_, err = alice.SendThreadReply(bob.DID(), rootID, "reply")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return threaded.len() == 1 }, testTimeout, time.Millisecond)

	assert.Equal(t, 1, plain.len())
	assert.Equal(t, rootID, threaded.messages[0].ThreadID)
}

func TestTypingIndicatorPassThrough(t *testing.T) {
	relay := newFakeRelay()
	clk := clock.NewMock()
	alice := newTestClient(t, relay, clk, "Alice")
	bob := newTestClient(t, relay, clk, "Bob")
	connectClient(t, alice)
	connectClient(t, bob)
	befriend(t, alice, bob)

	var got *protocol.TypingIndicator
	var mu sync.Mutex
	bob.OnTypingIndicator = func(p *protocol.TypingIndicator) {
		mu.Lock()
		got = p
		mu.Unlock()
	}

	require.NoError(t, alice.SendTyping(bob.DID(), true))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, testTimeout, time.Millisecond)
	assert.True(t, got.IsTyping)
	assert.Equal(t, alice.DID(), got.FromDID)
}
