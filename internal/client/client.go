// Package client is the peer side of the signaling channel: a websocket
// connection to the relay with typed callbacks for everything the relay can
// send. It satisfies the session's Signaler so negotiation messages flow
// through the same connection as room membership and chat.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handlers receives relay traffic. All callbacks fire on the read goroutine;
// nil entries are skipped.
type Handlers struct {
	OnRoomJoined  func(signal.RoomJoinedPayload)
	OnUserJoined  func(signal.UserJoinedPayload)
	OnUserLeft    func(signal.UserLeftPayload)
	OnOffer       func(from string, sdp webrtc.SessionDescription)
	OnAnswer      func(from string, sdp webrtc.SessionDescription)
	OnCandidate   func(from string, cand webrtc.ICECandidateInit)
	OnChatMessage func(signal.ChatMessagePayload)
	OnChatHistory func(signal.ChatHistoryPayload)
	OnRoomClosed  func()
	OnError       func(code, message string)

	// OnDisconnect fires once when the connection is lost or closed. err is
	// nil after a local Close.
	OnDisconnect func(err error)
}

// Client is one signaling connection, bound to one room.
type Client struct {
	roomID   string
	conn     *websocket.Conn
	handlers Handlers

	send chan *signal.Message
	done chan struct{}

	startOnce  sync.Once
	closeOnce  sync.Once
	notifyOnce sync.Once
	closedByUs bool
	mu         sync.Mutex
}

// ParseRoom splits a join argument into relay base URL and room token. It
// accepts a full join URL ("http://host:port/room/<token>") or a bare token,
// in which case base is empty and the caller falls back to its configured
// relay address.
func ParseRoom(raw string) (base, roomID string, err error) {
	if i := strings.Index(raw, "/room/"); i >= 0 {
		base = raw[:i]
		roomID = strings.Trim(raw[i+len("/room/"):], "/")
	} else {
		roomID = raw
	}
	if roomID == "" || strings.ContainsAny(roomID, "/?#") {
		return "", "", fmt.Errorf("invalid room token %q", raw)
	}
	return base, roomID, nil
}

// Dial connects to the relay at baseURL (http or ws scheme) for roomID. The
// connection stays inert until Start: no callback fires and nothing is sent,
// so handlers may safely close over the returned client. The caller still
// has to Join before the relay forwards anything.
func Dial(ctx context.Context, baseURL, roomID string) (*Client, error) {
	wsu, err := wsURL(baseURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsu, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", wsu, err)
	}

	c := &Client{
		roomID: roomID,
		conn:   conn,
		send:   make(chan *signal.Message, 64),
		done:   make(chan struct{}),
	}
	log.Printf("CLIENT [%s]: connected to %s", roomID, wsu)
	return c, nil
}

// Start installs the handlers and starts the read and write pumps. Messages
// enqueued before Start are flushed once the write pump runs. Only the first
// call takes effect.
func (c *Client) Start(h Handlers) {
	c.startOnce.Do(func() {
		c.handlers = h
		go c.readPump()
		go c.writePump()
	})
}

func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// RoomID returns the room this client signals for.
func (c *Client) RoomID() string { return c.roomID }

// Join enters the room. Name may be empty; the relay then assigns one.
func (c *Client) Join(name string) error {
	return c.enqueue(&signal.Message{
		Type:    signal.TypeJoinRoom,
		Room:    c.roomID,
		Payload: signal.MustPayload(signal.JoinRoomPayload{Name: name}),
	})
}

// JoinChat subscribes to the room's chat and triggers the history replay.
func (c *Client) JoinChat() error {
	return c.enqueue(&signal.Message{Type: signal.TypeJoinChat, Room: c.roomID})
}

// SendChat relays a chat message to the other chat participants.
func (c *Client) SendChat(content, sender string) error {
	return c.enqueue(&signal.Message{
		Type:    signal.TypeChatMessage,
		Room:    c.roomID,
		Payload: signal.MustPayload(signal.ChatSendPayload{Content: content, Sender: sender}),
	})
}

// SendOffer implements session.Signaler.
func (c *Client) SendOffer(roomID string, sdp webrtc.SessionDescription) error {
	return c.enqueue(&signal.Message{
		Type:    signal.TypeOffer,
		Room:    roomID,
		Payload: signal.MustPayload(sdp),
	})
}

// SendAnswer implements session.Signaler.
func (c *Client) SendAnswer(roomID string, sdp webrtc.SessionDescription) error {
	return c.enqueue(&signal.Message{
		Type:    signal.TypeAnswer,
		Room:    roomID,
		Payload: signal.MustPayload(sdp),
	})
}

// SendCandidate implements session.Signaler.
func (c *Client) SendCandidate(roomID string, cand webrtc.ICECandidateInit) error {
	return c.enqueue(&signal.Message{
		Type:    signal.TypeCandidate,
		Room:    roomID,
		Payload: signal.MustPayload(cand),
	})
}

// Leave departs the room. The relay models departure as disconnect, so this
// closes the connection; remaining members get user-left from the relay.
func (c *Client) Leave() error { return c.Close() }

// Close shuts the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closedByUs = true
		c.mu.Unlock()
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) enqueue(msg *signal.Message) error {
	select {
	case <-c.done:
		return errors.New("signaling connection closed")
	case c.send <- msg:
		return nil
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.disconnect(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.disconnect(err)
				return
			}
		}
	}
}

func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.disconnect(err)
			return
		}
		c.dispatch(&msg)
	}
}

// disconnect fires OnDisconnect exactly once and tears the connection down.
// A locally initiated Close reports a nil error.
func (c *Client) disconnect(err error) {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		local := c.closedByUs
		c.mu.Unlock()
		if local || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = nil
		}
		if err != nil {
			log.Printf("CLIENT [%s]: connection lost: %v", c.roomID, err)
		}
		_ = c.Close()
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	})
}

func (c *Client) dispatch(msg *signal.Message) {
	switch msg.Type {
	case signal.TypeRoomJoined:
		var p signal.RoomJoinedPayload
		if c.decode(msg, &p) && c.handlers.OnRoomJoined != nil {
			c.handlers.OnRoomJoined(p)
		}
	case signal.TypeUserJoined:
		var p signal.UserJoinedPayload
		if c.decode(msg, &p) && c.handlers.OnUserJoined != nil {
			c.handlers.OnUserJoined(p)
		}
	case signal.TypeUserLeft:
		var p signal.UserLeftPayload
		if c.decode(msg, &p) && c.handlers.OnUserLeft != nil {
			c.handlers.OnUserLeft(p)
		}
	case signal.TypeOffer:
		var sdp webrtc.SessionDescription
		if c.decode(msg, &sdp) && c.handlers.OnOffer != nil {
			c.handlers.OnOffer(msg.From, sdp)
		}
	case signal.TypeAnswer:
		var sdp webrtc.SessionDescription
		if c.decode(msg, &sdp) && c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(msg.From, sdp)
		}
	case signal.TypeCandidate:
		var cand webrtc.ICECandidateInit
		if c.decode(msg, &cand) && c.handlers.OnCandidate != nil {
			c.handlers.OnCandidate(msg.From, cand)
		}
	case signal.TypeChatMessage:
		var p signal.ChatMessagePayload
		if c.decode(msg, &p) && c.handlers.OnChatMessage != nil {
			c.handlers.OnChatMessage(p)
		}
	case signal.TypeChatHistory:
		var p signal.ChatHistoryPayload
		if c.decode(msg, &p) && c.handlers.OnChatHistory != nil {
			c.handlers.OnChatHistory(p)
		}
	case signal.TypeRoomClosed:
		if c.handlers.OnRoomClosed != nil {
			c.handlers.OnRoomClosed()
		}
	case signal.TypeError:
		var p signal.ErrorPayload
		if c.decode(msg, &p) && c.handlers.OnError != nil {
			c.handlers.OnError(p.Code, p.Message)
		}
	default:
		log.Printf("CLIENT [%s]: unknown message type %q", c.roomID, msg.Type)
	}
}

func (c *Client) decode(msg *signal.Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		log.Printf("CLIENT [%s]: bad %s payload: %v", c.roomID, msg.Type, err)
		return false
	}
	return true
}
