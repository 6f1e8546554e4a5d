package network

import (
	"log"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

// handleFrame decodes and routes one transport frame. A malformed or
// unknown frame is logged and dropped; it must never take the connection
// down.
func (c *Client) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Printf("Dropping undecodable frame: %v", err)
		c.metrics.EnvelopeDropped("frame")
		return
	}

	switch frame.Type {
	case protocol.FrameRegistered:
		c.onRegistered(frame)

	case protocol.FrameMessage:
		c.presence.Observe(frame.FromDID, c.OnPresenceChanged)
		c.handleEnvelopePayload(frame.FromDID, frame.Payload)

	case protocol.FrameOfflineMessages:
		c.handleOfflineMessages(frame)

	case protocol.FrameAck:
		c.handleTransportAck(frame)

	case protocol.FramePong:
		// Keepalive answered; nothing to do.

	case protocol.FrameError:
		log.Printf("Relay error: %s", frame.Message)

	default:
		log.Printf("Unknown frame type %q, ignoring", frame.Type)
		c.metrics.EnvelopeDropped("frame")
	}
}

// handleOfflineMessages replays queued messages. The relay may redeliver,
// so replay is idempotent: each offline message id is processed once.
func (c *Client) handleOfflineMessages(frame *protocol.Frame) {
	replayed := 0
	for _, msg := range frame.Messages {
		c.dataMu.Lock()
		seen := c.seenMessageIDs["offline:"+msg.ID]
		if !seen {
			c.seenMessageIDs["offline:"+msg.ID] = true
		}
		c.dataMu.Unlock()
		if seen {
			continue
		}

		c.presence.Observe(msg.FromDID, c.OnPresenceChanged)
		c.handleEnvelopePayload(msg.FromDID, msg.Payload)
		replayed++
	}
	if len(frame.Messages) > 0 {
		log.Printf("Offline replay: %d message(s), %d new", len(frame.Messages), replayed)
	}
}

// handleTransportAck confirms that our oldest in-flight send reached the
// relay. Correlation is FIFO for wire compatibility; when the relay's id
// is known and disagrees with the popped entry, the mismatch is logged.
func (c *Client) handleTransportAck(frame *protocol.Frame) {
	c.ackMu.Lock()
	if len(c.pendingAcks) == 0 {
		c.ackMu.Unlock()
		log.Printf("Transport ack with empty pending queue, ignoring")
		return
	}
	messageID := c.pendingAcks[0]
	c.pendingAcks = c.pendingAcks[1:]
	c.ackMu.Unlock()

	if messageID == "" {
		// An untracked send (receipt, presence, handshake). Nothing to
		// advance.
		return
	}

	if frame.ID != "" && frame.ID != messageID {
		log.Printf("Transport ack id %s does not match oldest pending %s", frame.ID, messageID)
	}

	c.advanceMessageStatus(messageID, protocol.MessageStatusSent)
}

// handleEnvelopePayload decodes an application envelope and dispatches it
// by (kind, version). Unknown kinds, unknown versions of known kinds, and
// undecodable payloads are all dropped without surfacing an error: a
// newer-than-supported peer must not disturb the connection.
func (c *Client) handleEnvelopePayload(from protocol.DID, payload string) {
	env, err := protocol.DecodeEnvelope([]byte(payload))
	if err != nil {
		log.Printf("Dropping undecodable envelope from %s: %v", from, err)
		c.metrics.EnvelopeDropped("envelope")
		return
	}

	if env.Version != protocol.EnvelopeVersion {
		log.Printf("Dropping %s v%d from %s: unsupported version", env.Kind, env.Version, from)
		c.metrics.EnvelopeDropped(env.Kind)
		return
	}

	c.metrics.EnvelopeReceived(env.Kind)

	switch env.Kind {
	case protocol.KindFriendRequest:
		var p protocol.FriendRequest
		if env.DecodePayload(&p) == nil {
			c.handleFriendRequest(&p)
			return
		}

	case protocol.KindFriendResponse:
		var p protocol.FriendResponse
		if env.DecodePayload(&p) == nil {
			c.handleFriendResponse(&p)
			return
		}

	case protocol.KindFriendAcceptAck:
		var p protocol.FriendAcceptAck
		if env.DecodePayload(&p) == nil {
			c.handleFriendAcceptAck(&p)
			return
		}

	case protocol.KindChatMessage:
		var p protocol.ChatMessage
		if env.DecodePayload(&p) == nil {
			c.handleChatMessage(&p)
			return
		}

	case protocol.KindTypingIndicator:
		var p protocol.TypingIndicator
		if env.DecodePayload(&p) == nil {
			if c.OnTypingIndicator != nil {
				c.OnTypingIndicator(&p)
			}
			return
		}

	case protocol.KindMessageStatus:
		var p protocol.StatusUpdate
		if env.DecodePayload(&p) == nil {
			c.handleStatusUpdate(&p)
			return
		}

	case protocol.KindGroupInvite:
		var p protocol.GroupInvite
		if env.DecodePayload(&p) == nil {
			c.handleGroupInvite(&p)
			return
		}

	case protocol.KindGroupInviteAccept:
		var p protocol.GroupInviteAccept
		if env.DecodePayload(&p) == nil {
			c.handleGroupInviteAccept(&p)
			return
		}

	case protocol.KindGroupInviteDecline:
		var p protocol.GroupInviteDecline
		if env.DecodePayload(&p) == nil {
			c.handleGroupInviteDecline(&p)
			return
		}

	case protocol.KindGroupMessage:
		var p protocol.GroupChatMessage
		if env.DecodePayload(&p) == nil {
			c.handleGroupMessage(&p)
			return
		}

	case protocol.KindGroupKeyRotation:
		var p protocol.GroupKeyRotation
		if env.DecodePayload(&p) == nil {
			c.handleGroupKeyRotation(from, &p)
			return
		}

	case protocol.KindGroupMemberRemoved:
		var p protocol.GroupMemberRemoved
		if env.DecodePayload(&p) == nil {
			c.handleGroupMemberRemoved(&p)
			return
		}

	case protocol.KindCallOffer, protocol.KindCallAnswer, protocol.KindCallICECandidate,
		protocol.KindCallEnd, protocol.KindCallState:
		var p protocol.CallSignal
		if env.DecodePayload(&p) == nil {
			c.handleCallSignal(env.Kind, &p)
			return
		}

	case protocol.KindPresenceOnline:
		var p protocol.PresenceOnline
		if env.DecodePayload(&p) == nil {
			c.handlePresenceOnline(&p)
			return
		}

	case protocol.KindPresenceAck:
		var p protocol.PresenceAck
		if env.DecodePayload(&p) == nil {
			c.presence.Observe(p.FromDID, c.OnPresenceChanged)
			return
		}

	case protocol.KindCommunityEvent:
		var p protocol.CommunityEvent
		if env.DecodePayload(&p) == nil {
			if c.OnCommunityEvent != nil {
				c.OnCommunityEvent(&p)
			}
			return
		}

	case protocol.KindDMFileEvent:
		var p protocol.DMFileEvent
		if env.DecodePayload(&p) == nil {
			if c.OnFileEvent != nil {
				c.OnFileEvent(&p)
			}
			return
		}

	case protocol.KindAccountMetadata:
		var p protocol.AccountMetadata
		if env.DecodePayload(&p) == nil {
			c.handleAccountMetadata(&p)
			return
		}

	default:
		log.Printf("Unknown envelope kind %q from %s, ignoring", env.Kind, from)
		c.metrics.EnvelopeDropped(env.Kind)
		return
	}

	// Known kind but the payload would not decode.
	log.Printf("Dropping malformed %s payload from %s", env.Kind, from)
	c.metrics.EnvelopeDropped(env.Kind)
}
