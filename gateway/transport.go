package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the bidirectional frame stream under a connection. The live
// implementation wraps a gorilla websocket conn; tests substitute a fake.
type Transport interface {
	// WriteJSON sends one JSON-encoded message.
	WriteJSON(v interface{}) error
	// ReadMessage blocks for the next client frame.
	ReadMessage() ([]byte, error)
	// Ping sends a transport-level ping frame.
	Ping(deadline time.Time) error
	// Close sends a close frame with the given code and closes the stream.
	Close(code int, reason string) error
}

// wsTransport adapts a gorilla connection. Writes are serialized; gorilla
// allows one concurrent writer.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWebSocketTransport wraps conn with the given write timeout.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Ping(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout),
	)
	return t.conn.Close()
}
