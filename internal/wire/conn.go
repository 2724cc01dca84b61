package wire

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one ordered, bidirectional message channel to a peer. The concrete
// implementation is a WebSocket; tests substitute channel-backed fakes.
type Conn interface {
	Send(env *Envelope) error
	Receive() (*Envelope, error)
	Close() error
	RemoteAddr() string
}

const defaultWriteTimeout = 10 * time.Second

// WebsocketConn adapts a *websocket.Conn to Conn. Writes are serialized with
// a mutex: gorilla permits only one concurrent writer per connection.
type WebsocketConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{ws: ws, writeTimeout: defaultWriteTimeout}
}

func (c *WebsocketConn) Send(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("send invalid envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (c *WebsocketConn) Receive() (*Envelope, error) {
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *WebsocketConn) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WebsocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
