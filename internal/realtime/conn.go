package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// Conn is one authenticated websocket on the server side.
type Conn struct {
	id          uuid.UUID
	userID      uuid.UUID
	ws          *websocket.Conn
	send        chan []byte
	connectedAt time.Time
}

func newConn(ws *websocket.Conn, userID uuid.UUID) *Conn {
	return &Conn{
		id:          uuid.New(),
		userID:      userID,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() uuid.UUID     { return c.id }
func (c *Conn) UserID() uuid.UUID { return c.userID }

// writePump is the only goroutine that writes to the socket. It exits when
// the hub closes the send queue or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the socket fails. Each decoded frame goes to
// dispatch; text that is not a frame goes to invalid.
func (c *Conn) readPump(dispatch func(Frame), invalid func(error)) error {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			invalid(err)
			continue
		}
		dispatch(frame)
	}
}
