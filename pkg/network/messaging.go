package network

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/umbra-im/umbra-node/pkg/crypto"
	"github.com/umbra-im/umbra-node/pkg/protocol"
	"github.com/umbra-im/umbra-node/pkg/storage"
)

// TrackedMessage is a direct or group message with its delivery status.
type TrackedMessage struct {
	MessageID      string
	ConversationID string
	GroupID        string
	SenderDID      protocol.DID
	RecipientDID   protocol.DID
	ThreadID       string
	Content        string
	Timestamp      int64
	Status         protocol.MessageStatus
}

// SendMessage encrypts and sends a direct message to a friend. It returns
// the new message id; the message starts in the sending state and advances
// as relay and recipient confirmations arrive.
func (c *Client) SendMessage(peer protocol.DID, text string) (string, error) {
	return c.sendDirect(peer, text, "")
}

// SendThreadReply sends a direct message threaded under a parent message.
func (c *Client) SendThreadReply(peer protocol.DID, threadID, text string) (string, error) {
	return c.sendDirect(peer, text, threadID)
}

func (c *Client) sendDirect(peer protocol.DID, text, threadID string) (string, error) {
	friend := c.Friend(peer)
	if friend == nil {
		return "", ErrNotFriend
	}

	messageID := protocol.GenerateMessageID()
	ts := c.clk.Now().UnixMilli()

	cryptoCtx := &crypto.Context{
		SenderDID:      string(c.DID()),
		RecipientDID:   string(peer),
		Timestamp:      ts,
		ConversationID: string(friend.ConversationID),
	}
	ciphertext, nonce, err := crypto.Encrypt([]byte(text), c.identity.EncryptPrivate, friend.EncryptionKey, cryptoCtx)
	if err != nil {
		return "", err
	}

	payload := &protocol.ChatMessage{
		MessageID:      messageID,
		ConversationID: friend.ConversationID,
		SenderDID:      c.DID(),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:          base64.StdEncoding.EncodeToString(nonce),
		Timestamp:      ts,
		ThreadID:       threadID,
	}

	msg := &TrackedMessage{
		MessageID:      messageID,
		ConversationID: string(friend.ConversationID),
		SenderDID:      c.DID(),
		RecipientDID:   peer,
		ThreadID:       threadID,
		Content:        text,
		Timestamp:      ts,
		Status:         protocol.MessageStatusSending,
	}
	c.trackMessage(msg)

	if err := c.sendEnvelopeTracked(peer, protocol.KindChatMessage, payload, messageID); err != nil {
		return "", err
	}

	return messageID, nil
}

// SendTyping sends a typing indicator to a friend. Indicators are
// fire-and-forget: never tracked, never persisted.
func (c *Client) SendTyping(peer protocol.DID, isTyping bool) error {
	friend := c.Friend(peer)
	if friend == nil {
		return ErrNotFriend
	}

	payload := &protocol.TypingIndicator{
		FromDID:        c.DID(),
		ConversationID: friend.ConversationID,
		IsTyping:       isTyping,
		Timestamp:      c.clk.Now().UnixMilli(),
	}
	return c.sendEnvelope(peer, protocol.KindTypingIndicator, payload)
}

// SendFileEvent forwards a file transfer event to a friend. The engine
// does not interpret the event body; transfer state lives with the caller.
func (c *Client) SendFileEvent(peer protocol.DID, event string, data json.RawMessage) error {
	friend := c.Friend(peer)
	if friend == nil {
		return ErrNotFriend
	}
	payload := &protocol.DMFileEvent{
		ConversationID: friend.ConversationID,
		FromDID:        c.DID(),
		Event:          event,
		Data:           data,
		Timestamp:      c.clk.Now().UnixMilli(),
	}
	return c.sendEnvelope(peer, protocol.KindDMFileEvent, payload)
}

// Message returns a tracked message by id, or nil.
func (c *Client) Message(messageID string) *TrackedMessage {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.messages[messageID]
}

// Messages returns the tracked messages of one conversation, oldest first.
func (c *Client) Messages(conversationID string) []*TrackedMessage {
	c.dataMu.Lock()
	out := make([]*TrackedMessage, 0)
	for _, m := range c.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	c.dataMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// handleChatMessage decrypts an inbound direct message, emits the
// delivered receipt immediately and schedules the read receipt shortly
// after, approximating a user noticing the message.
func (c *Client) handleChatMessage(p *protocol.ChatMessage) {
	friend := c.Friend(p.SenderDID)
	if friend == nil {
		log.Printf("Chat message from non-friend %s, dropping", p.SenderDID)
		c.metrics.EnvelopeDropped(protocol.KindChatMessage)
		return
	}

	c.dataMu.Lock()
	seen := c.seenMessageIDs[p.MessageID]
	if !seen {
		c.seenMessageIDs[p.MessageID] = true
	}
	c.dataMu.Unlock()
	if seen {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		log.Printf("Chat message %s has invalid ciphertext encoding, dropping", p.MessageID)
		return
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		log.Printf("Chat message %s has invalid nonce encoding, dropping", p.MessageID)
		return
	}

	// The sender bound these exact values into the AAD; any disagreement
	// fails authentication.
	cryptoCtx := &crypto.Context{
		SenderDID:      string(p.SenderDID),
		RecipientDID:   string(c.DID()),
		Timestamp:      p.Timestamp,
		ConversationID: string(p.ConversationID),
	}
	plaintext, err := crypto.Decrypt(ciphertext, nonce, c.identity.EncryptPrivate, friend.EncryptionKey, cryptoCtx)
	if err != nil {
		log.Printf("Failed to decrypt message %s from %s: %v", p.MessageID, p.SenderDID, err)
		return
	}

	msg := &TrackedMessage{
		MessageID:      p.MessageID,
		ConversationID: string(p.ConversationID),
		SenderDID:      p.SenderDID,
		RecipientDID:   c.DID(),
		ThreadID:       p.ThreadID,
		Content:        string(plaintext),
		Timestamp:      p.Timestamp,
		Status:         protocol.MessageStatusDelivered,
	}
	c.trackMessage(msg)

	c.sendStatusUpdate(p.SenderDID, p.MessageID, protocol.MessageStatusDelivered)
	c.scheduleReadReceipt(p.SenderDID, p.MessageID)

	if msg.ThreadID != "" {
		if c.OnThreadReply != nil {
			c.OnThreadReply(msg)
		}
		return
	}
	if c.OnMessageReceived != nil {
		c.OnMessageReceived(msg)
	}
}

// scheduleReadReceipt fires the read receipt after a short randomized
// delay rather than instantly with the delivered receipt.
func (c *Client) scheduleReadReceipt(peer protocol.DID, messageID string) {
	delay := 500*time.Millisecond + time.Duration(rand.Int63n(int64(1500*time.Millisecond)))
	c.clk.AfterFunc(delay, func() {
		c.sendStatusUpdate(peer, messageID, protocol.MessageStatusRead)
		c.advanceMessageStatus(messageID, protocol.MessageStatusRead)
	})
}

func (c *Client) sendStatusUpdate(peer protocol.DID, messageID string, status protocol.MessageStatus) {
	payload := &protocol.StatusUpdate{
		MessageID: messageID,
		Status:    status,
		FromDID:   c.DID(),
		Timestamp: c.clk.Now().UnixMilli(),
	}
	if err := c.sendEnvelope(peer, protocol.KindMessageStatus, payload); err != nil {
		log.Printf("Failed to send %s receipt for %s: %v", status, messageID, err)
	}
}

// handleStatusUpdate applies a peer receipt to our copy of the message.
func (c *Client) handleStatusUpdate(p *protocol.StatusUpdate) {
	c.advanceMessageStatus(p.MessageID, p.Status)
}

// advanceMessageStatus moves a message forward along
// sending -> sent -> delivered -> read. Regressions and repeats are
// ignored so receipts may arrive late, duplicated or out of order.
func (c *Client) advanceMessageStatus(messageID string, status protocol.MessageStatus) {
	c.dataMu.Lock()
	msg, ok := c.messages[messageID]
	if !ok {
		c.dataMu.Unlock()
		log.Printf("Status %s for unknown message %s, ignoring", status, messageID)
		return
	}
	if !msg.Status.Advances(status) {
		c.dataMu.Unlock()
		return
	}
	msg.Status = status
	c.dataMu.Unlock()

	if c.messageDB != nil {
		if err := c.messageDB.UpdateMessageStatus(messageID, string(status)); err != nil {
			log.Printf("Failed to persist status of %s: %v", messageID, err)
		}
	}
	if c.OnStatusChanged != nil {
		c.OnStatusChanged(messageID, status)
	}
}

func (c *Client) trackMessage(msg *TrackedMessage) {
	c.dataMu.Lock()
	c.messages[msg.MessageID] = msg
	c.dataMu.Unlock()

	if c.messageDB != nil {
		stored := &storage.Message{
			MessageID:      msg.MessageID,
			ConversationID: msg.ConversationID,
			GroupID:        msg.GroupID,
			SenderDID:      string(msg.SenderDID),
			RecipientDID:   string(msg.RecipientDID),
			ThreadID:       msg.ThreadID,
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
			Status:         string(msg.Status),
		}
		if err := c.messageDB.SaveMessage(stored); err != nil {
			log.Printf("Failed to persist message %s: %v", msg.MessageID, err)
		}
	}
}
