package network

import (
	"encoding/json"

	"github.com/umbra-im/umbra-node/pkg/protocol"
)

// Call signaling is a pass-through: envelopes are routed to the peer and
// surfaced via OnCallSignal without the engine inspecting the SDP or ICE
// bodies. Session state beyond the call id lives in the media layer.

// SendCallOffer opens a call with an opaque offer body (typically SDP).
func (c *Client) SendCallOffer(peer protocol.DID, callID string, offer json.RawMessage) error {
	return c.sendCallSignal(peer, protocol.KindCallOffer, callID, offer, "")
}

// SendCallAnswer answers a pending offer.
func (c *Client) SendCallAnswer(peer protocol.DID, callID string, answer json.RawMessage) error {
	return c.sendCallSignal(peer, protocol.KindCallAnswer, callID, answer, "")
}

// SendCallICECandidate forwards one ICE candidate for an active call.
func (c *Client) SendCallICECandidate(peer protocol.DID, callID string, candidate json.RawMessage) error {
	return c.sendCallSignal(peer, protocol.KindCallICECandidate, callID, candidate, "")
}

// SendCallEnd terminates a call.
func (c *Client) SendCallEnd(peer protocol.DID, callID string) error {
	return c.sendCallSignal(peer, protocol.KindCallEnd, callID, nil, "")
}

// SendCallState reports a mid-call state change such as mute or hold.
func (c *Client) SendCallState(peer protocol.DID, callID, state string) error {
	return c.sendCallSignal(peer, protocol.KindCallState, callID, nil, state)
}

func (c *Client) sendCallSignal(peer protocol.DID, kind, callID string, body json.RawMessage, state string) error {
	if c.Friend(peer) == nil {
		return ErrNotFriend
	}
	payload := &protocol.CallSignal{
		CallID:    callID,
		FromDID:   c.DID(),
		Payload:   body,
		State:     state,
		Timestamp: c.clk.Now().UnixMilli(),
	}
	return c.sendEnvelope(peer, kind, payload)
}

func (c *Client) handleCallSignal(kind string, p *protocol.CallSignal) {
	if c.OnCallSignal != nil {
		c.OnCallSignal(kind, p)
	}
}
