package network

import (
	"log"
	"sort"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/protocol"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

// Direction of a pending friend request.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// FriendRecord is an established contact. It exists on the acceptor as
// soon as it sends its acceptance, and on the requester once the
// acceptance arrives; the asymmetric timing is part of the protocol.
type FriendRecord struct {
	DID            protocol.DID
	DisplayName    string
	SigningKey     []byte
	EncryptionKey  []byte
	ConversationID protocol.ConversationID
}

// PendingRequest is an in-flight friend request in either direction.
type PendingRequest struct {
	ID            string
	PeerDID       protocol.DID
	Direction     Direction
	DisplayName   string
	SigningKey    []byte
	EncryptionKey []byte
	Message       string
}

// SendFriendRequest starts the three-leg handshake with a peer. The
// request carries our keys so the peer can encrypt to us once it accepts.
func (c *Client) SendFriendRequest(peer protocol.DID, message string) (*PendingRequest, error) {
	req := &protocol.FriendRequest{
		ID:                protocol.GenerateMessageID(),
		FromDID:           c.DID(),
		FromDisplayName:   c.displayName,
		FromSigningKey:    crypto.EncodeKey(c.identity.SigningPublic),
		FromEncryptionKey: crypto.EncodeKey(c.identity.EncryptPublic),
		Message:           message,
		CreatedAt:         c.clk.Now().UnixMilli(),
	}

	if err := c.sendEnvelope(peer, protocol.KindFriendRequest, req); err != nil {
		return nil, err
	}

	pending := &PendingRequest{
		ID:        req.ID,
		PeerDID:   peer,
		Direction: DirectionOutgoing,
		Message:   message,
	}

	c.dataMu.Lock()
	c.pendingRequests[req.ID] = pending
	c.dataMu.Unlock()
	c.persistPendingRequest(pending)

	log.Printf("Friend request %s sent to %s", req.ID, peer)
	return pending, nil
}

// AcceptFriendRequest accepts an incoming request: the FriendRecord is
// created immediately, before the requester has seen our acceptance.
func (c *Client) AcceptFriendRequest(requestID string) (*FriendRecord, error) {
	c.dataMu.Lock()
	pending, ok := c.pendingRequests[requestID]
	if !ok || pending.Direction != DirectionIncoming {
		c.dataMu.Unlock()
		return nil, ErrNoSuchRequest
	}
	delete(c.pendingRequests, requestID)
	c.dataMu.Unlock()
	c.dropPersistedRequest(requestID)

	friend := &FriendRecord{
		DID:            pending.PeerDID,
		DisplayName:    pending.DisplayName,
		SigningKey:     pending.SigningKey,
		EncryptionKey:  pending.EncryptionKey,
		ConversationID: protocol.DeriveConversationID(c.DID(), pending.PeerDID),
	}
	c.storeFriend(friend)

	resp := &protocol.FriendResponse{
		RequestID:     requestID,
		FromDID:       c.DID(),
		Accepted:      true,
		DisplayName:   c.displayName,
		SigningKey:    crypto.EncodeKey(c.identity.SigningPublic),
		EncryptionKey: crypto.EncodeKey(c.identity.EncryptPublic),
		Timestamp:     c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(pending.PeerDID, protocol.KindFriendResponse, resp); err != nil {
		return nil, err
	}

	log.Printf("Accepted friend request %s from %s", requestID, pending.PeerDID)
	if c.OnFriendAdded != nil {
		c.OnFriendAdded(friend)
	}
	return friend, nil
}

// RejectFriendRequest declines an incoming request. The requester gets an
// accepted:false response and no further messages.
func (c *Client) RejectFriendRequest(requestID string) error {
	c.dataMu.Lock()
	pending, ok := c.pendingRequests[requestID]
	if !ok || pending.Direction != DirectionIncoming {
		c.dataMu.Unlock()
		return ErrNoSuchRequest
	}
	delete(c.pendingRequests, requestID)
	c.dataMu.Unlock()
	c.dropPersistedRequest(requestID)

	resp := &protocol.FriendResponse{
		RequestID: requestID,
		FromDID:   c.DID(),
		Accepted:  false,
		Timestamp: c.clk.Now().UnixMilli(),
	}
	return c.sendEnvelope(pending.PeerDID, protocol.KindFriendResponse, resp)
}

// Friend returns the FriendRecord for a peer, or nil.
func (c *Client) Friend(did protocol.DID) *FriendRecord {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.friends[did]
}

// Friends returns all contacts, ordered by DID.
func (c *Client) Friends() []*FriendRecord {
	c.dataMu.Lock()
	out := make([]*FriendRecord, 0, len(c.friends))
	for _, f := range c.friends {
		out = append(out, f)
	}
	c.dataMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// PendingRequests returns all in-flight requests, ordered by id.
func (c *Client) PendingRequests() []*PendingRequest {
	c.dataMu.Lock()
	out := make([]*PendingRequest, 0, len(c.pendingRequests))
	for _, p := range c.pendingRequests {
		out = append(out, p)
	}
	c.dataMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// handleFriendRequest stores the incoming request. Duplicate requests for
// an already-pending id are idempotent, last write wins.
func (c *Client) handleFriendRequest(p *protocol.FriendRequest) {
	signingKey, err := crypto.DecodeKey(p.FromSigningKey)
	if err != nil {
		log.Printf("Friend request %s carries an invalid signing key, dropping", p.ID)
		return
	}
	encryptionKey, err := crypto.DecodeKey(p.FromEncryptionKey)
	if err != nil {
		log.Printf("Friend request %s carries an invalid encryption key, dropping", p.ID)
		return
	}

	pending := &PendingRequest{
		ID:            p.ID,
		PeerDID:       p.FromDID,
		Direction:     DirectionIncoming,
		DisplayName:   p.FromDisplayName,
		SigningKey:    signingKey,
		EncryptionKey: encryptionKey,
		Message:       p.Message,
	}

	c.dataMu.Lock()
	c.pendingRequests[p.ID] = pending
	c.dataMu.Unlock()
	c.persistPendingRequest(pending)

	log.Printf("Friend request %s received from %s", p.ID, p.FromDID)
	if c.OnFriendRequest != nil {
		c.OnFriendRequest(pending)
	}

	if c.autoAcceptFriends {
		if _, err := c.AcceptFriendRequest(p.ID); err != nil {
			log.Printf("Auto-accept of %s failed: %v", p.ID, err)
		}
	}
}

// handleFriendResponse closes our outgoing request. On accept we build the
// FriendRecord from the embedded keys and send the final ack leg.
func (c *Client) handleFriendResponse(p *protocol.FriendResponse) {
	c.dataMu.Lock()
	pending, ok := c.pendingRequests[p.RequestID]
	if !ok || pending.Direction != DirectionOutgoing {
		c.dataMu.Unlock()
		log.Printf("Friend response for unknown request %s, ignoring", p.RequestID)
		return
	}
	delete(c.pendingRequests, p.RequestID)
	c.dataMu.Unlock()
	c.dropPersistedRequest(p.RequestID)

	if !p.Accepted {
		log.Printf("Friend request %s rejected by %s", p.RequestID, p.FromDID)
		if c.OnFriendRejected != nil {
			c.OnFriendRejected(p.RequestID)
		}
		return
	}

	signingKey, err := crypto.DecodeKey(p.SigningKey)
	if err != nil {
		log.Printf("Friend response %s carries an invalid signing key, dropping", p.RequestID)
		return
	}
	encryptionKey, err := crypto.DecodeKey(p.EncryptionKey)
	if err != nil {
		log.Printf("Friend response %s carries an invalid encryption key, dropping", p.RequestID)
		return
	}

	friend := &FriendRecord{
		DID:            p.FromDID,
		DisplayName:    p.DisplayName,
		SigningKey:     signingKey,
		EncryptionKey:  encryptionKey,
		ConversationID: protocol.DeriveConversationID(c.DID(), p.FromDID),
	}
	c.storeFriend(friend)

	ack := &protocol.FriendAcceptAck{
		SenderDID: c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(p.FromDID, protocol.KindFriendAcceptAck, ack); err != nil {
		// Non-fatal: both sides already hold a FriendRecord. The ack is a
		// liveness signal, not a correctness precondition.
		log.Printf("Failed to send accept ack to %s: %v", p.FromDID, err)
	}

	log.Printf("Friend request %s accepted by %s", p.RequestID, p.FromDID)
	if c.OnFriendAdded != nil {
		c.OnFriendAdded(friend)
	}
}

// handleFriendAcceptAck is informational: our FriendRecord already exists.
func (c *Client) handleFriendAcceptAck(p *protocol.FriendAcceptAck) {
	if c.Friend(p.SenderDID) == nil {
		log.Printf("Accept ack from non-friend %s, ignoring", p.SenderDID)
		return
	}
	log.Printf("Friend %s confirmed handshake completion", p.SenderDID)
}

func (c *Client) persistPendingRequest(pending *PendingRequest) {
	if c.messageDB == nil {
		return
	}
	stored := &storage.PendingRequest{
		ID:            pending.ID,
		PeerDID:       string(pending.PeerDID),
		Direction:     string(pending.Direction),
		DisplayName:   pending.DisplayName,
		SigningKey:    crypto.EncodeKey(pending.SigningKey),
		EncryptionKey: crypto.EncodeKey(pending.EncryptionKey),
		Message:       pending.Message,
		CreatedAt:     c.clk.Now().UnixMilli(),
	}
	if err := c.messageDB.SavePendingRequest(stored); err != nil {
		log.Printf("Failed to persist pending request %s: %v", pending.ID, err)
	}
}

func (c *Client) dropPersistedRequest(requestID string) {
	if c.messageDB == nil {
		return
	}
	if err := c.messageDB.DeletePendingRequest(requestID); err != nil {
		log.Printf("Failed to delete pending request %s: %v", requestID, err)
	}
}

func (c *Client) storeFriend(friend *FriendRecord) {
	c.dataMu.Lock()
	c.friends[friend.DID] = friend
	c.dataMu.Unlock()

	if c.messageDB != nil {
		stored := &storage.Friend{
			DID:            string(friend.DID),
			DisplayName:    friend.DisplayName,
			SigningKey:     crypto.EncodeKey(friend.SigningKey),
			EncryptionKey:  crypto.EncodeKey(friend.EncryptionKey),
			ConversationID: string(friend.ConversationID),
			AddedAt:        c.clk.Now().UnixMilli(),
		}
		if err := c.messageDB.SaveFriend(stored); err != nil {
			log.Printf("Failed to persist friend %s: %v", friend.DID, err)
		}
	}
}
