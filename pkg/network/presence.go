package network

import (
	"log"
	"sort"
	"sync"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

// PresenceTracker tracks which peers have shown signs of life on the
// current connection. Observing any traffic from a peer marks it online;
// the whole set is cleared on disconnect so presence is never stale.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[protocol.DID]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[protocol.DID]struct{})}
}

// Observe marks a peer online. onChange fires only on the offline to
// online transition, not for every observation.
func (t *PresenceTracker) Observe(did protocol.DID, onChange func(protocol.DID, bool)) {
	if did.IsZero() {
		return
	}

	t.mu.Lock()
	_, known := t.online[did]
	if !known {
		t.online[did] = struct{}{}
	}
	t.mu.Unlock()

	if !known && onChange != nil {
		onChange(did, true)
	}
}

// Clear forgets all presence, reporting each previously online peer as
// offline through onChange.
func (t *PresenceTracker) Clear(onChange func(protocol.DID, bool)) {
	t.mu.Lock()
	was := make([]protocol.DID, 0, len(t.online))
	for did := range t.online {
		was = append(was, did)
	}
	t.online = make(map[protocol.DID]struct{})
	t.mu.Unlock()

	if onChange == nil {
		return
	}
	sort.Slice(was, func(i, j int) bool { return was[i] < was[j] })
	for _, did := range was {
		onChange(did, false)
	}
}

// IsOnline reports whether a peer is currently considered online.
func (t *PresenceTracker) IsOnline(did protocol.DID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[did]
	return ok
}

// Online returns all currently online peers, ordered by DID.
func (t *PresenceTracker) Online() []protocol.DID {
	t.mu.RLock()
	out := make([]protocol.DID, 0, len(t.online))
	for did := range t.online {
		out = append(out, did)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// handlePresenceOnline answers a friend's presence announcement so the
// peer learns we are online too.
func (c *Client) handlePresenceOnline(p *protocol.PresenceOnline) {
	c.presence.Observe(p.FromDID, c.OnPresenceChanged)

	if c.Friend(p.FromDID) == nil {
		return
	}
	ack := &protocol.PresenceAck{
		FromDID:   c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(p.FromDID, protocol.KindPresenceAck, ack); err != nil {
		log.Printf("Failed to ack presence of %s: %v", p.FromDID, err)
	}
}

// handleAccountMetadata refreshes the locally stored profile of a friend.
func (c *Client) handleAccountMetadata(p *protocol.AccountMetadata) {
	c.dataMu.Lock()
	friend, ok := c.friends[p.FromDID]
	if ok && p.DisplayName != "" {
		friend.DisplayName = p.DisplayName
	}
	c.dataMu.Unlock()

	if !ok {
		log.Printf("Account metadata from non-friend %s, ignoring", p.FromDID)
		return
	}
	if c.OnAccountMetadata != nil {
		c.OnAccountMetadata(p)
	}
}

// BroadcastAccountMetadata pushes our current profile to every friend.
func (c *Client) BroadcastAccountMetadata(avatarRef string) {
	payload := &protocol.AccountMetadata{
		FromDID:     c.DID(),
		DisplayName: c.displayName,
		AvatarRef:   avatarRef,
		Timestamp:   c.clk.Now().UnixMilli(),
	}
	for _, friend := range c.Friends() {
		if err := c.sendEnvelope(friend.DID, protocol.KindAccountMetadata, payload); err != nil {
			log.Printf("Failed to push account metadata to %s: %v", friend.DID, err)
		}
	}
}
