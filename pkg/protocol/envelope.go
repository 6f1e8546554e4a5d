package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyKind      = errors.New("envelope kind is empty")
	ErrInvalidPayload = errors.New("invalid envelope payload")
)

// Envelope kinds. Every application-level message on the wire is one of
// these; receivers ignore anything they don't recognize.
const (
	KindFriendRequest   = "friend_request"
	KindFriendResponse  = "friend_response"
	KindFriendAcceptAck = "friend_accept_ack"

	KindChatMessage     = "chat_message"
	KindTypingIndicator = "typing_indicator"
	KindMessageStatus   = "message_status"

	KindGroupInvite        = "group_invite"
	KindGroupInviteAccept  = "group_invite_accept"
	KindGroupInviteDecline = "group_invite_decline"
	KindGroupMessage       = "group_message"
	KindGroupKeyRotation   = "group_key_rotation"
	KindGroupMemberRemoved = "group_member_removed"

	KindCallOffer        = "call_offer"
	KindCallAnswer       = "call_answer"
	KindCallICECandidate = "call_ice_candidate"
	KindCallEnd          = "call_end"
	KindCallState        = "call_state"

	KindPresenceOnline = "presence_online"
	KindPresenceAck    = "presence_ack"

	KindCommunityEvent  = "community_event"
	KindDMFileEvent     = "dm_file_event"
	KindAccountMetadata = "account_metadata"
)

// Envelope is a typed, versioned application message nested inside a
// transport frame. The payload is opaque until the kind is matched.
type Envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope wraps a typed payload into a wire-ready envelope.
func EncodeEnvelope(kind string, version int, payload interface{}) ([]byte, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	return json.Marshal(&Envelope{
		Kind:    kind,
		Version: version,
		Payload: raw,
	})
}

// DecodeEnvelope parses a wire envelope. The payload stays raw; callers
// match on (Kind, Version) and decode with DecodePayload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, ErrEmptyKind
	}
	return &env, nil
}

// DecodePayload decodes the envelope payload into a typed struct.
func (e *Envelope) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// ===== FRIEND HANDSHAKE =====

// FriendRequest is the first leg of the three-message friend handshake.
type FriendRequest struct {
	ID                string `json:"id"`
	FromDID           DID    `json:"fromDid"`
	FromDisplayName   string `json:"fromDisplayName"`
	FromSigningKey    string `json:"fromSigningKey"`
	FromEncryptionKey string `json:"fromEncryptionKey"`
	Message           string `json:"message,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
}

// FriendResponse is the second leg: accept or reject. On accept it carries
// the acceptor's keys so the requester can build its FriendRecord.
type FriendResponse struct {
	RequestID     string `json:"requestId"`
	FromDID       DID    `json:"fromDid"`
	Accepted      bool   `json:"accepted"`
	DisplayName   string `json:"displayName,omitempty"`
	SigningKey    string `json:"signingKey,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// FriendAcceptAck closes the handshake loop. Informational only for the
// acceptor; its FriendRecord already exists.
type FriendAcceptAck struct {
	SenderDID DID   `json:"senderDid"`
	Timestamp int64 `json:"timestamp"`
}

// ===== DIRECT MESSAGING =====

// ChatMessage is an encrypted direct message. Ciphertext and nonce are
// produced by the crypto service; the relay never sees plaintext.
type ChatMessage struct {
	MessageID      string         `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
	SenderDID      DID            `json:"senderDid"`
	Ciphertext     string         `json:"ciphertext"`
	Nonce          string         `json:"nonce"`
	Timestamp      int64          `json:"timestamp"`
	ThreadID       string         `json:"threadId,omitempty"`
}

// TypingIndicator signals typing state within a conversation.
type TypingIndicator struct {
	FromDID        DID            `json:"fromDid"`
	ConversationID ConversationID `json:"conversationId"`
	IsTyping       bool           `json:"isTyping"`
	Timestamp      int64          `json:"timestamp"`
}

// StatusUpdate reports a delivery/read transition for a sent message.
// Keyed by message id, so correlation is unambiguous.
type StatusUpdate struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
	FromDID   DID           `json:"fromDid"`
	Timestamp int64         `json:"timestamp"`
}

// ===== GROUP CHAT =====

// GroupMemberInfo describes one member inside group envelopes.
type GroupMemberInfo struct {
	DID         DID       `json:"did"`
	DisplayName string    `json:"displayName"`
	Role        GroupRole `json:"role"`
}

// GroupInvite carries the wrapped group key and the member list to an
// invited peer.
type GroupInvite struct {
	InviteID          string            `json:"inviteId"`
	GroupID           string            `json:"groupId"`
	GroupName         string            `json:"groupName"`
	InviterDID        DID               `json:"inviterDid"`
	EncryptedGroupKey string            `json:"encryptedGroupKey"`
	Nonce             string            `json:"nonce"`
	KeyVersion        int               `json:"keyVersion"`
	Members           []GroupMemberInfo `json:"members"`
	Timestamp         int64             `json:"timestamp"`
}

// GroupInviteAccept confirms an invite.
type GroupInviteAccept struct {
	InviteID  string `json:"inviteId"`
	GroupID   string `json:"groupId"`
	FromDID   DID    `json:"fromDid"`
	Timestamp int64  `json:"timestamp"`
}

// GroupInviteDecline rejects an invite. No local state is created.
type GroupInviteDecline struct {
	InviteID  string `json:"inviteId"`
	GroupID   string `json:"groupId"`
	FromDID   DID    `json:"fromDid"`
	Timestamp int64  `json:"timestamp"`
}

// GroupChatMessage is one leg of a fan-out group send. Every member other
// than the sender receives the same ciphertext/nonce/keyVersion.
type GroupChatMessage struct {
	MessageID  string `json:"messageId"`
	GroupID    string `json:"groupId"`
	SenderDID  DID    `json:"senderDid"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	KeyVersion int    `json:"keyVersion"`
	Timestamp  int64  `json:"timestamp"`
}

// GroupKeyRotation delivers a new group key to a remaining member after a
// removal. The removed member never receives one.
type GroupKeyRotation struct {
	GroupID           string `json:"groupId"`
	EncryptedGroupKey string `json:"encryptedGroupKey"`
	Nonce             string `json:"nonce"`
	KeyVersion        int    `json:"keyVersion"`
	RemovedDID        DID    `json:"removedDid"`
	Timestamp         int64  `json:"timestamp"`
}

// GroupMemberRemoved informs a removed peer they are out of the group.
type GroupMemberRemoved struct {
	GroupID   string `json:"groupId"`
	MemberDID DID    `json:"memberDid"`
	Timestamp int64  `json:"timestamp"`
}

// ===== CALL SIGNALING =====

// CallSignal is the shared shape of all call envelopes. The core relays
// them by callId without holding call state.
type CallSignal struct {
	CallID    string          `json:"callId"`
	FromDID   DID             `json:"fromDid"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     string          `json:"state,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ===== PRESENCE =====

// PresenceOnline is broadcast to every friend after each successful
// registration.
type PresenceOnline struct {
	FromDID   DID   `json:"fromDid"`
	Timestamp int64 `json:"timestamp"`
}

// PresenceAck answers a presence_online so both sides observe each other.
type PresenceAck struct {
	FromDID   DID   `json:"fromDid"`
	Timestamp int64 `json:"timestamp"`
}

// ===== AUXILIARY EVENTS =====

// CommunityEvent carries community-level notifications, including the
// invite codes republished after registration.
type CommunityEvent struct {
	CommunityID string          `json:"communityId"`
	Event       string          `json:"event"`
	InviteCode  string          `json:"inviteCode,omitempty"`
	FromDID     DID             `json:"fromDid"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// DMFileEvent transports file-transfer coordination for a conversation.
// File handling itself lives outside this core.
type DMFileEvent struct {
	ConversationID ConversationID  `json:"conversationId"`
	FromDID        DID             `json:"fromDid"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// AccountMetadata broadcasts profile changes to friends.
type AccountMetadata struct {
	FromDID     DID    `json:"fromDid"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
