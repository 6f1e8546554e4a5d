// Package network implements the relay protocol engine: the single shared
// connection to the relay, envelope dispatch, the friend/messaging/group/
// call state machines, presence tracking and automatic reconnection.
//
// One Client instance owns the one live connection per process. It is
// constructed explicitly by the composition root and handed to every
// consumer; components observe it through callbacks and drive it through
// its exported methods. The ReconnectManager supervises the Client and is
// the only component that opens or closes the connection outside an
// explicit Connect/Disconnect call.
//
// Inbound frames are decoded and dispatched by a single goroutine in the
// order the transport delivers them, so ordering within a conversation is
// preserved. Callbacks run on that goroutine and must not block.
package network

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/metrics"
	"github.com/umbra-im/umbra-node/pkg/protocol"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotFriend        = errors.New("peer is not a friend")
	ErrNoSuchRequest    = errors.New("no such pending request")
	ErrNoSuchGroup      = errors.New("no such group")
	ErrNoSuchInvite     = errors.New("no such group invite")
	ErrNotGroupAdmin    = errors.New("not a group admin")
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateRegistered // register frame sent, waiting for the relay's ack
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// supervisor is the Client's view of the ReconnectManager.
type supervisor interface {
	connectionLost()
	registrationSucceeded()
	suppress()
	resume()
	foreground()
}

// CommunityInvite is an active invite code republished after registration.
type CommunityInvite struct {
	CommunityID string
	InviteCode  string
}

// ClientConfig carries construction options. Zero values select the
// production defaults.
type ClientConfig struct {
	Transport         Transport
	Clock             clock.Clock
	DisplayName       string
	AutoAcceptFriends bool
	KeepaliveInterval time.Duration
}

// Client owns the single relay connection and the protocol engines built
// on top of it.
type Client struct {
	identity *crypto.Identity

	transport         Transport
	clk               clock.Clock
	displayName       string
	autoAcceptFriends bool
	keepaliveInterval time.Duration

	// Connection state (connMu)
	connMu        sync.Mutex
	conn          Conn
	state         ConnState
	connectedURL  string
	registeredDID protocol.DID
	intentional   bool

	// Serializes frame transmission, no interleaved writes
	writeMu sync.Mutex

	// Engine state (dataMu)
	dataMu          sync.Mutex
	friends         map[protocol.DID]*FriendRecord
	pendingRequests map[string]*PendingRequest
	messages        map[string]*TrackedMessage
	groups          map[string]*GroupRecord
	pendingInvites  map[string]*PendingGroupInvite
	seenMessageIDs  map[string]bool

	// In-flight sends awaiting the relay's transport ack, oldest first
	ackMu       sync.Mutex
	pendingAcks []string

	presence *PresenceTracker

	// Keepalive (kaMu)
	kaMu   sync.Mutex
	kaStop chan struct{}

	supervisor supervisor

	// Local persistence and instrumentation, both optional
	messageDB *storage.DB
	metrics   *metrics.Collector

	// CommunityInvites, when set, supplies the invite codes republished to
	// friends after every successful registration.
	CommunityInvites func() []CommunityInvite

	// Callbacks, invoked on the dispatch goroutine
	OnMessageReceived  func(*TrackedMessage)
	OnThreadReply      func(*TrackedMessage)
	OnStatusChanged    func(messageID string, status protocol.MessageStatus)
	OnFriendRequest    func(*PendingRequest)
	OnFriendAdded      func(*FriendRecord)
	OnFriendRejected   func(requestID string)
	OnTypingIndicator  func(*protocol.TypingIndicator)
	OnGroupInvite      func(*PendingGroupInvite)
	OnGroupMessage     func(groupID string, msg *TrackedMessage)
	OnGroupKeyRotated  func(groupID string, keyVersion int)
	OnRemovedFromGroup func(groupID string)
	OnCallSignal       func(kind string, signal *protocol.CallSignal)
	OnPresenceChanged  func(did protocol.DID, online bool)
	OnCommunityEvent   func(*protocol.CommunityEvent)
	OnFileEvent        func(*protocol.DMFileEvent)
	OnAccountMetadata  func(*protocol.AccountMetadata)
	OnStateChanged     func(ConnState)
}

// NewClient creates a client for the given identity. A nil config selects
// the WebSocket transport, the wall clock and a 25s keepalive.
func NewClient(identity *crypto.Identity, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	if cfg.Transport == nil {
		cfg.Transport = NewWebSocketTransport()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 25 * time.Second
	}

	return &Client{
		identity:          identity,
		transport:         cfg.Transport,
		clk:               cfg.Clock,
		displayName:       cfg.DisplayName,
		autoAcceptFriends: cfg.AutoAcceptFriends,
		keepaliveInterval: cfg.KeepaliveInterval,
		friends:           make(map[protocol.DID]*FriendRecord),
		pendingRequests:   make(map[string]*PendingRequest),
		messages:          make(map[string]*TrackedMessage),
		groups:            make(map[string]*GroupRecord),
		pendingInvites:    make(map[string]*PendingGroupInvite),
		seenMessageIDs:    make(map[string]bool),
		presence:          NewPresenceTracker(),
	}
}

// DID returns the local peer's identifier.
func (c *Client) DID() protocol.DID {
	return protocol.DID(c.identity.DID)
}

// DisplayName returns the local display name.
func (c *Client) DisplayName() string {
	return c.displayName
}

// Presence returns the presence tracker shared by all observers.
func (c *Client) Presence() *PresenceTracker {
	return c.presence
}

// AttachDatabase attaches a message database for persistence.
func (c *Client) AttachDatabase(db *storage.DB) {
	c.messageDB = db
}

// AttachMetrics attaches a metrics collector.
func (c *Client) AttachMetrics(m *metrics.Collector) {
	c.metrics = m
}

func (c *Client) setSupervisor(s supervisor) {
	c.supervisor = s
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// ConnectedURL returns the URL of the live connection, or "".
func (c *Client) ConnectedURL() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectedURL
}

// IsConnected reports whether the connection is registered and usable.
func (c *Client) IsConnected() bool {
	return c.State() == StateReady
}

// Connect opens the connection to the given relay URL, performs the
// registration handshake and starts the receive loop. This is the explicit
// user-initiated connect; it re-enables reconnection after a Disconnect.
func (c *Client) Connect(ctx context.Context, url string) error {
	if c.supervisor != nil {
		c.supervisor.resume()
	}
	return c.connect(ctx, url)
}

// connect dials without touching the supervisor's backoff state. The
// ReconnectManager uses this for its own attempts.
func (c *Client) connect(ctx context.Context, url string) error {
	c.connMu.Lock()
	if c.state != StateDisconnected {
		c.connMu.Unlock()
		return ErrAlreadyConnected
	}
	c.intentional = false
	c.state = StateConnecting
	c.connMu.Unlock()

	c.notifyState(StateConnecting)

	conn, err := c.transport.Dial(ctx, url)
	if err != nil {
		c.connMu.Lock()
		c.state = StateDisconnected
		c.connMu.Unlock()
		c.notifyState(StateDisconnected)
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connectedURL = url
	c.state = StateRegistered
	c.connMu.Unlock()

	if err := c.writeFrame(protocol.RegisterFrame(c.DID())); err != nil {
		conn.Close()
		c.connMu.Lock()
		c.conn = nil
		c.connectedURL = ""
		c.state = StateDisconnected
		c.connMu.Unlock()
		c.notifyState(StateDisconnected)
		return err
	}

	c.notifyState(StateRegistered)
	log.Printf("Connected to relay %s, registration sent", url)

	go c.receiveLoop(conn)
	return nil
}

// Disconnect closes the connection intentionally. All scheduled reconnects
// are suppressed until the next explicit Connect.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	c.intentional = true
	conn := c.conn
	c.connMu.Unlock()

	// Clear timers before the socket goes down.
	if c.supervisor != nil {
		c.supervisor.suppress()
	}
	c.stopKeepalive()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// EnterBackground suspends the keepalive timer without closing the
// connection.
func (c *Client) EnterBackground() {
	c.stopKeepalive()
	log.Printf("Backgrounded, keepalive suspended")
}

// EnterForeground re-validates the connection. If it is still open the
// keepalive resumes; otherwise backoff state is reset and an immediate
// reconnect attempt is scheduled.
func (c *Client) EnterForeground() {
	c.connMu.Lock()
	ready := c.state == StateReady
	intentional := c.intentional
	c.connMu.Unlock()

	if ready {
		c.startKeepalive()
		return
	}
	if intentional {
		return
	}
	if c.supervisor != nil {
		c.supervisor.foreground()
	}
}

// receiveLoop reads and dispatches frames until the connection drops.
func (c *Client) receiveLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(data)
	}
	c.handleConnClosed(conn)
}

// handleConnClosed tears down state after any close, clean or not.
func (c *Client) handleConnClosed(conn Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		// A stale loop from an earlier connection; the current one is
		// already someone else's responsibility.
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connectedURL = ""
	c.registeredDID = ""
	c.state = StateDisconnected
	intentional := c.intentional
	c.connMu.Unlock()

	c.stopKeepalive()

	// Acks for in-flight sends died with the connection. A leftover entry
	// would be popped by the next connection's first ack and confirm the
	// wrong message.
	c.ackMu.Lock()
	c.pendingAcks = nil
	c.ackMu.Unlock()

	// No stale presence is ever reported across a disconnect.
	c.presence.Clear(c.OnPresenceChanged)

	c.notifyState(StateDisconnected)

	if intentional {
		log.Printf("Disconnected from relay")
		return
	}

	log.Printf("Connection lost")
	if c.supervisor != nil {
		c.supervisor.connectionLost()
	}
}

// onRegistered runs exactly once per successful registration.
func (c *Client) onRegistered(f *protocol.Frame) {
	c.connMu.Lock()
	c.registeredDID = f.DID
	c.state = StateReady
	c.connMu.Unlock()

	log.Printf("Registered with relay as %s", f.DID)
	c.notifyState(StateReady)
	c.metrics.ConnectionReady()

	if c.supervisor != nil {
		c.supervisor.registrationSucceeded()
	}

	c.startKeepalive()

	// Replay anything queued while we were offline.
	if err := c.writeFrame(protocol.FetchOfflineFrame()); err != nil {
		log.Printf("Failed to request offline replay: %v", err)
	}

	c.broadcastPresenceOnline()
	c.republishCommunityInvites()
}

func (c *Client) broadcastPresenceOnline() {
	payload := &protocol.PresenceOnline{
		FromDID:   c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	for _, friend := range c.Friends() {
		if err := c.sendEnvelope(friend.DID, protocol.KindPresenceOnline, payload); err != nil {
			log.Printf("Failed to announce presence to %s: %v", friend.DID, err)
		}
	}
}

func (c *Client) republishCommunityInvites() {
	if c.CommunityInvites == nil {
		return
	}
	invites := c.CommunityInvites()
	if len(invites) == 0 {
		return
	}

	friends := c.Friends()
	for _, invite := range invites {
		payload := &protocol.CommunityEvent{
			CommunityID: invite.CommunityID,
			Event:       "invite_republish",
			InviteCode:  invite.InviteCode,
			FromDID:     c.DID(),
			Timestamp:   c.clk.Now().UnixMilli(),
		}
		for _, friend := range friends {
			if err := c.sendEnvelope(friend.DID, protocol.KindCommunityEvent, payload); err != nil {
				log.Printf("Failed to republish invite %s to %s: %v", invite.InviteCode, friend.DID, err)
			}
		}
	}
}

// writeFrame serializes and transmits one frame. Transmission is
// serialized so concurrent senders never interleave partial writes.
func (c *Client) writeFrame(f *protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.WriteMessage(data)
}

// sendEnvelope encodes an envelope and hands it to the relay for delivery.
func (c *Client) sendEnvelope(to protocol.DID, kind string, payload interface{}) error {
	return c.sendEnvelopeTracked(to, kind, payload, "")
}

// sendEnvelopeTracked is sendEnvelope with ack correlation. The relay acks
// every send frame in order, so every send enqueues exactly one entry on
// the pending queue; untracked sends enqueue an empty placeholder. The
// entry is queued before the write so a fast ack always finds it.
func (c *Client) sendEnvelopeTracked(to protocol.DID, kind string, payload interface{}, messageID string) error {
	encoded, err := protocol.EncodeEnvelope(kind, protocol.EnvelopeVersion, payload)
	if err != nil {
		return err
	}

	c.ackMu.Lock()
	c.pendingAcks = append(c.pendingAcks, messageID)
	c.ackMu.Unlock()

	if err := c.writeFrame(protocol.SendFrame(to, encoded)); err != nil {
		c.dropPendingAck(messageID)
		return err
	}
	c.metrics.EnvelopeSent(kind)
	return nil
}

// dropPendingAck rolls back the queue entry of a send that never reached
// the relay. Concurrent senders may have appended behind it, so the entry
// is matched from the tail rather than popped blindly. Tracked ids are
// unique; placeholders are interchangeable, so removing the newest one
// keeps the queue aligned either way.
func (c *Client) dropPendingAck(messageID string) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for i := len(c.pendingAcks) - 1; i >= 0; i-- {
		if c.pendingAcks[i] == messageID {
			c.pendingAcks = append(c.pendingAcks[:i], c.pendingAcks[i+1:]...)
			return
		}
	}
}

func (c *Client) startKeepalive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaStop != nil {
		return
	}
	stop := make(chan struct{})
	c.kaStop = stop

	go func() {
		ticker := c.clk.Ticker(c.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.writeFrame(protocol.PingFrame()); err != nil {
					log.Printf("Keepalive ping failed: %v", err)
				}
			}
		}
	}()
}

func (c *Client) stopKeepalive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaStop != nil {
		close(c.kaStop)
		c.kaStop = nil
	}
}

func (c *Client) notifyState(s ConnState) {
	c.metrics.ConnectionState(int(s))
	if c.OnStateChanged != nil {
		c.OnStateChanged(s)
	}
}
