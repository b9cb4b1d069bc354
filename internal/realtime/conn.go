package realtime

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// wsConn wraps a gorilla websocket connection. The write mutex is required
// because broadcasts and keepalives come from different goroutines and
// gorilla allows only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) Transport() string {
	return TransportWebSocket
}

// sseConn delivers through a buffered channel drained by the HTTP handler
// goroutine. A full buffer means the client is not reading; Send fails so
// the registry prunes it instead of blocking the broadcast.
type sseConn struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewSSEConn(bufferSize int) Conn {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &sseConn{
		ch:     make(chan []byte, bufferSize),
		closed: make(chan struct{}),
	}
}

func (c *sseConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("sse connection closed")
	default:
	}

	select {
	case c.ch <- payload:
		return nil
	default:
		return fmt.Errorf("sse client too slow, buffer full")
	}
}

func (c *sseConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *sseConn) Transport() string {
	return TransportSSE
}

// Messages exposes the delivery channel to the HTTP handler.
func (c *sseConn) Messages() <-chan []byte {
	return c.ch
}

// Done is closed when the connection has been shut down.
func (c *sseConn) Done() <-chan struct{} {
	return c.closed
}
