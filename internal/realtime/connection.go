package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

var ErrConnectionClosed = errors.New("connection closed")

// Connection one websocket bound to one room subscription.
// The push channel is downstream only; inbound frames are read just to
// observe pongs and the client's close.
type Connection struct {
	ID         string
	OperatorID string
	RoomID     string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func NewConnection(operatorID, roomID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		RoomID:     roomID,
		ws:         ws,
		send:       make(chan []byte, 128),
		close:      make(chan struct{}),
	}
}

// Serve pumps sub into the socket until either side closes. Blocks.
func (c *Connection) Serve(sub *Subscription) {
	defer sub.Unsubscribe()
	go c.writeLoop()
	go c.readLoop()

	for {
		select {
		case <-c.close:
			return
		case evt, ok := <-sub.C:
			if !ok {
				// dropped as a slow subscriber or bus shutdown; client re-opens and refetches
				c.Close(websocket.CloseTryAgainLater, "subscription ended")
				return
			}
			payload, err := evt.Encode()
			if err != nil {
				continue
			}
			if err := c.Send(payload); err != nil {
				return
			}
		}
	}
}

// Send enqueues payload; a full buffer closes the connection.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Done closed once the connection is closed
func (c *Connection) Done() <-chan struct{} { return c.close }

func (c *Connection) readLoop() {
	c.ws.SetReadLimit(maxInboundSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.Close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) writeMessage(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
