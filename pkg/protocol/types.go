package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the current version carried by every envelope kind.
const EnvelopeVersion = 1

// DID is a peer's stable public identifier. All addressing in the protocol
// is keyed by DID.
type DID string

// IsZero reports whether the DID is empty.
func (d DID) IsZero() bool {
	return d == ""
}

// ConversationID identifies a conversation between two peers (or a group).
type ConversationID string

// DeriveConversationID derives a deterministic conversation id from an
// unordered pair of DIDs. Both sides compute the same id independently:
// DeriveConversationID(a, b) == DeriveConversationID(b, a).
func DeriveConversationID(a, b DID) ConversationID {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	sum := sha256.Sum256([]byte(string(lo) + "|" + string(hi)))
	return ConversationID(hex.EncodeToString(sum[:]))
}

// GenerateMessageID generates a random message identifier.
func GenerateMessageID() string {
	return uuid.NewString()
}

// NowUnixMilli returns current time in Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// MessageStatus represents message delivery status. A status only ever
// advances: sending -> sent -> delivered -> read.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	MessageStatusSending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Advances reports whether moving from current to next is a forward
// transition. Unknown statuses never advance.
func (s MessageStatus) Advances(next MessageStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// GroupRole is a member's role within a group.
type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)
