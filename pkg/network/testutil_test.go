package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/protocol"
)

// fakeRelay is an in-memory relay speaking the real frame protocol:
// register, send with ack, offline queueing and replay, ping/pong.
type fakeRelay struct {
	mu      sync.Mutex
	conns   map[protocol.DID]*memConn
	offline map[protocol.DID][]protocol.OfflineMessage
	seq     int

	// redeliverOffline keeps replayed messages queued so the next fetch
	// sees them again, exercising client-side dedup.
	redeliverOffline bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		conns:   make(map[protocol.DID]*memConn),
		offline: make(map[protocol.DID][]protocol.OfflineMessage),
	}
}

func (r *fakeRelay) handle(conn *memConn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return
	}

	switch frame.Type {
	case protocol.FrameRegister:
		r.mu.Lock()
		conn.did = frame.DID
		r.conns[frame.DID] = conn
		r.mu.Unlock()
		conn.deliver(&protocol.Frame{Type: protocol.FrameRegistered, DID: frame.DID})

	case protocol.FrameSend:
		conn.deliver(&protocol.Frame{Type: protocol.FrameAck})
		r.mu.Lock()
		target, online := r.conns[frame.ToDID]
		if !online {
			r.seq++
			r.offline[frame.ToDID] = append(r.offline[frame.ToDID], protocol.OfflineMessage{
				ID:        fmt.Sprintf("off-%d", r.seq),
				FromDID:   conn.did,
				Payload:   frame.Payload,
				Timestamp: time.Now().UnixMilli(),
			})
		}
		r.mu.Unlock()
		if online {
			target.deliver(&protocol.Frame{
				Type:    protocol.FrameMessage,
				FromDID: conn.did,
				Payload: frame.Payload,
			})
		}

	case protocol.FrameFetchOffline:
		r.mu.Lock()
		queued := r.offline[conn.did]
		if !r.redeliverOffline {
			delete(r.offline, conn.did)
		}
		r.mu.Unlock()
		conn.deliver(&protocol.Frame{Type: protocol.FrameOfflineMessages, Messages: queued})

	case protocol.FramePing:
		conn.deliver(&protocol.Frame{Type: protocol.FramePong})
	}
}

func (r *fakeRelay) remove(conn *memConn) {
	r.mu.Lock()
	if cur, ok := r.conns[conn.did]; ok && cur == conn {
		delete(r.conns, conn.did)
	}
	r.mu.Unlock()
}

// memConn is one client's side of an in-memory relay connection.
type memConn struct {
	relay *fakeRelay
	did   protocol.DID

	in chan []byte

	closeMu sync.Mutex
	closed  chan struct{}
}

func newMemConn(relay *fakeRelay) *memConn {
	return &memConn{
		relay:  relay,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *memConn) deliver(f *protocol.Frame) {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return
	}
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *memConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.relay.handle(c, data)
	return nil
}

func (c *memConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	c.relay.remove(c)
	return nil
}

// fakeTransport dials the fake relay and records every dial. URLs listed
// in failing refuse to connect.
type fakeTransport struct {
	relay *fakeRelay

	mu      sync.Mutex
	dials   []string
	failing map[string]bool
}

func newFakeTransport(relay *fakeRelay) *fakeTransport {
	return &fakeTransport{relay: relay, failing: make(map[string]bool)}
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	t.dials = append(t.dials, url)
	fail := t.failing[url]
	t.mu.Unlock()

	if fail {
		return nil, errors.New("dial refused")
	}
	return newMemConn(t.relay), nil
}

func (t *fakeTransport) dialLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.dials))
	copy(out, t.dials)
	return out
}

func (t *fakeTransport) setFailing(url string, fail bool) {
	t.mu.Lock()
	t.failing[url] = fail
	t.mu.Unlock()
}

const testTimeout = 3 * time.Second

func newTestClient(t *testing.T, relay *fakeRelay, clk clock.Clock, name string) *Client {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	client := NewClient(identity, &ClientConfig{
		Transport:   newFakeTransport(relay),
		Clock:       clk,
		DisplayName: name,
	})
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func connectClient(t *testing.T, client *Client) {
	t.Helper()
	require.NoError(t, client.Connect(context.Background(), "wss://relay.test/ws"))
	require.Eventually(t, client.IsConnected, testTimeout, time.Millisecond)
}

// befriend runs the full handshake so both sides hold a FriendRecord.
func befriend(t *testing.T, a, b *Client) {
	t.Helper()

	pending, err := a.SendFriendRequest(b.DID(), "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.PendingRequests()) > 0
	}, testTimeout, time.Millisecond)

	_, err = b.AcceptFriendRequest(pending.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Friend(b.DID()) != nil && b.Friend(a.DID()) != nil
	}, testTimeout, time.Millisecond)
}
