package network

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single relay connection. One JSON frame per message.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials relay servers. The production transport speaks
// WebSocket; tests substitute an in-memory pair.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewWebSocketTransport returns the production WebSocket transport.
func NewWebSocketTransport() Transport {
	return &wsTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

type wsTransport struct {
	dialer *websocket.Dialer
}

func (t *wsTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
