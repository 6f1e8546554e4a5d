package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownFrame = errors.New("unknown frame type")

// Transport frame types. Client->relay and relay->client frames share one
// tag namespace, matching the relay server's message enums.
const (
	// Client -> relay
	FrameRegister     = "register"
	FrameSend         = "send"
	FrameFetchOffline = "fetch_offline"
	FramePing         = "ping"

	// Relay -> client
	FrameRegistered      = "registered"
	FrameMessage         = "message"
	FramePong            = "pong"
	FrameAck             = "ack"
	FrameError           = "error"
	FrameOfflineMessages = "offline_messages"
)

// Frame is one JSON object on the relay connection. Only the fields
// relevant to its Type are populated.
type Frame struct {
	Type string `json:"type"`

	// register / registered
	DID DID `json:"did,omitempty"`

	// send / message
	ToDID   DID    `json:"to_did,omitempty"`
	FromDID DID    `json:"from_did,omitempty"`
	Payload string `json:"payload,omitempty"`

	// ack
	ID string `json:"id,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// offline_messages
	Messages []OfflineMessage `json:"messages,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// OfflineMessage is one queued message replayed by the relay.
type OfflineMessage struct {
	ID        string `json:"id"`
	FromDID   DID    `json:"from_did"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeFrame serializes a frame for transmission.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, ErrUnknownFrame
	}
	return json.Marshal(f)
}

// DecodeFrame parses a frame received from the relay.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrUnknownFrame
	}
	return &f, nil
}

// RegisterFrame builds the registration control frame sent on connect.
func RegisterFrame(did DID) *Frame {
	return &Frame{Type: FrameRegister, DID: did}
}

// SendFrame wraps an encoded envelope for delivery to a peer.
func SendFrame(to DID, envelope []byte) *Frame {
	return &Frame{Type: FrameSend, ToDID: to, Payload: string(envelope)}
}

// FetchOfflineFrame requests replay of messages queued while offline.
func FetchOfflineFrame() *Frame {
	return &Frame{Type: FrameFetchOffline}
}

// PingFrame is the keep-alive no-op.
func PingFrame() *Frame {
	return &Frame{Type: FramePing}
}
