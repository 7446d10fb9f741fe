package relay

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairmeet/pairmeet/internal/signal"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP payloads run a few KB;
	// 64 KB leaves generous headroom.
	maxMessageSize = 64 * 1024

	// Outbound queue depth per connection. The hub never blocks on a slow
	// client; an overflowing queue drops the connection instead.
	sendQueueSize = 64
)

// Client wraps a single websocket connection to the relay. Its lifetime is
// one connection; the id doubles as the participant id in whatever room the
// client joins.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// send carries outbound messages; written only by the hub goroutine,
	// drained only by writePump. Closed by the hub on unregister.
	send chan *signal.Message

	// Mutated only by the hub goroutine.
	roomID   string
	chatRoom string
	name     string
}

// NewClient wraps an upgraded websocket connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan *signal.Message, sendQueueSize),
	}
}

// ID returns the connection id assigned at upgrade time.
func (c *Client) ID() string { return c.id }

// readPump pumps messages from the websocket connection to the hub.
// There is at most one reader per connection: this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: read error from %s: %v", c.id, err)
			}
			return
		}
		c.hub.inbound <- &inboundMessage{client: c, msg: &msg}
	}
}

// writePump pumps messages from the hub to the websocket connection.
// There is at most one writer per connection: this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("RELAY: write error to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Run starts both pumps. Callers hand the client to the hub first.
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}
