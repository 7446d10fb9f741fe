// Package relay is the rendezvous service: it accepts websocket connections,
// keeps room membership in the room registry, and forwards negotiation and
// chat messages between the participants of a room. The relay buffers
// nothing and retries nothing — delivery is at-most-once, fire-and-forget,
// order-preserving per sender because all routing happens on one goroutine
// and every connection has a FIFO outbound queue.
package relay

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/pairmeet/pairmeet/internal/room"
	"github.com/pairmeet/pairmeet/internal/signal"
)

type inboundMessage struct {
	client *Client
	msg    *signal.Message
}

// Hub routes every signaling message. It is the single-writer actor for
// connection bookkeeping: the maps below are touched only by Run.
type Hub struct {
	reg *room.Registry

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundMessage

	// ops runs out-of-band operations (room close from the HTTP API) on the
	// hub goroutine so they serialize with normal routing.
	ops chan func()

	// roomID -> connection id -> client. Hub goroutine only.
	members map[string]map[string]*Client
	clients map[*Client]struct{}
}

// NewHub creates a hub backed by reg.
func NewHub(reg *room.Registry) *Hub {
	return &Hub{
		reg:        reg,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundMessage, 64),
		ops:        make(chan func()),
		members:    make(map[string]map[string]*Client),
		clients:    make(map[*Client]struct{}),
	}
}

// Register hands a freshly upgraded client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// CloseRoom force-closes a room: members get a room-closed message and are
// removed. Used by the room CRUD API.
func (h *Hub) CloseRoom(roomID string) {
	h.ops <- func() { h.closeRoom(roomID) }
}

// Run is the hub's routing loop. It exits when ctx is cancelled, closing
// every client connection.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			log.Printf("RELAY: client %s connected", c.id)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			h.leaveRoom(c)
			h.drop(c)
			log.Printf("RELAY: client %s disconnected", c.id)

		case in := <-h.inbound:
			h.handle(in.client, in.msg)

		case op := <-h.ops:
			op()
		}
	}
}

func (h *Hub) handle(c *Client, msg *signal.Message) {
	switch msg.Type {
	case signal.TypeJoinRoom:
		h.handleJoin(c, msg)

	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		h.relay(c, msg)

	case signal.TypeJoinChat:
		h.handleJoinChat(c, msg)

	case signal.TypeChatMessage:
		h.handleChat(c, msg)

	default:
		log.Printf("RELAY: unknown message type %q from %s", msg.Type, c.id)
	}
}

func (h *Hub) handleJoin(c *Client, msg *signal.Message) {
	if msg.Room == "" {
		h.sendError(c, "bad_request", "join-room requires a room id")
		return
	}
	if c.roomID != "" {
		h.sendError(c, "already_joined", "already in room "+c.roomID)
		return
	}

	var p signal.JoinRoomPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &p)
	}

	joined, snap, err := h.reg.Join(msg.Room, c.id, p.Name)
	if err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			h.sendError(c, "room_full", "room "+msg.Room+" is full")
		} else {
			h.sendError(c, "join_failed", err.Error())
		}
		return
	}

	c.roomID = msg.Room
	c.name = joined.Name
	conns, ok := h.members[msg.Room]
	if !ok {
		conns = make(map[string]*Client)
		h.members[msg.Room] = conns
	}
	conns[c.id] = c

	list := participantInfos(snap)
	h.deliver(c, &signal.Message{
		Type: signal.TypeRoomJoined,
		Room: msg.Room,
		Payload: signal.MustPayload(signal.RoomJoinedPayload{
			IsInitiator:  joined.Role == room.RoleInitiator,
			Participants: list,
		}),
	})

	joinedInfo := participantInfo(joined)
	h.broadcast(msg.Room, c.id, &signal.Message{
		Type: signal.TypeUserJoined,
		Room: msg.Room,
		From: c.id,
		Payload: signal.MustPayload(signal.UserJoinedPayload{
			User:         joinedInfo,
			Participants: list,
			IsInitiator:  joined.Role == room.RoleInitiator,
		}),
	})
}

// relay forwards an offer/answer/candidate to every other room member. The
// payload passes through untouched; only `from` is added. A sender that is
// not a current member, or a room with nobody else in it, drops the message
// silently — the relay is a thin fan-out, not a queue.
func (h *Hub) relay(c *Client, msg *signal.Message) {
	roomID := msg.Room
	if roomID == "" {
		roomID = c.roomID
	}
	if roomID == "" || c.roomID != roomID || !h.reg.Member(roomID, c.id) {
		return
	}
	h.broadcast(roomID, c.id, &signal.Message{
		Type:    msg.Type,
		Room:    roomID,
		From:    c.id,
		Payload: msg.Payload,
	})
}

func (h *Hub) handleJoinChat(c *Client, msg *signal.Message) {
	roomID := msg.Room
	if roomID == "" {
		roomID = c.roomID
	}
	if roomID == "" {
		return
	}
	c.chatRoom = roomID

	tail := h.reg.HistoryTail(roomID, room.ReplayCount)
	if len(tail) == 0 {
		return
	}
	msgs := make([]signal.ChatMessagePayload, len(tail))
	for i, m := range tail {
		msgs[i] = chatPayload(m)
	}
	h.deliver(c, &signal.Message{
		Type:    signal.TypeChatHistory,
		Room:    roomID,
		Payload: signal.MustPayload(signal.ChatHistoryPayload{Messages: msgs}),
	})
}

func (h *Hub) handleChat(c *Client, msg *signal.Message) {
	roomID := msg.Room
	if roomID == "" {
		roomID = c.roomID
	}
	var p signal.ChatSendPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Content == "" {
		return
	}
	sender := p.Sender
	if sender == "" {
		sender = c.name
	}

	stored, err := h.reg.AppendMessage(roomID, c.id, sender, p.Content)
	if err != nil {
		return
	}

	// The sender reflects its own message locally; no echo.
	out := &signal.Message{
		Type:    signal.TypeChatMessage,
		Room:    roomID,
		From:    c.id,
		Payload: signal.MustPayload(chatPayload(stored)),
	}
	for id, member := range h.members[roomID] {
		if id == c.id || member.chatRoom != roomID {
			continue
		}
		h.deliver(member, out)
	}
}

func (h *Hub) leaveRoom(c *Client) {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.roomID = ""
	c.chatRoom = ""

	if conns, ok := h.members[roomID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.members, roomID)
		}
	}

	left, snap, err := h.reg.Leave(roomID, c.id)
	if err != nil {
		return
	}
	h.broadcast(roomID, c.id, &signal.Message{
		Type: signal.TypeUserLeft,
		Room: roomID,
		From: c.id,
		Payload: signal.MustPayload(signal.UserLeftPayload{
			User:         participantInfo(left),
			Participants: participantInfos(snap),
		}),
	})
}

func (h *Hub) closeRoom(roomID string) {
	conns := h.members[roomID]
	if len(conns) == 0 {
		return
	}
	note := &signal.Message{Type: signal.TypeRoomClosed, Room: roomID}
	for _, c := range conns {
		h.deliver(c, note)
		if _, _, err := h.reg.Leave(roomID, c.id); err == nil {
			c.roomID = ""
			c.chatRoom = ""
		}
	}
	delete(h.members, roomID)
	log.Printf("RELAY: room %s closed by API", roomID)
}

// broadcast delivers msg to every member of roomID except exceptID.
func (h *Hub) broadcast(roomID, exceptID string, msg *signal.Message) {
	for id, c := range h.members[roomID] {
		if id == exceptID {
			continue
		}
		h.deliver(c, msg)
	}
}

// deliver enqueues msg on the client's FIFO queue. A full queue means the
// client has stopped draining; drop the connection rather than block the hub.
func (h *Hub) deliver(c *Client, msg *signal.Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("RELAY: send queue full for %s, dropping connection", c.id)
		h.leaveRoom(c)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.deliver(c, &signal.Message{
		Type:    signal.TypeError,
		Payload: signal.MustPayload(signal.ErrorPayload{Code: code, Message: message}),
	})
}

func participantInfo(p room.Participant) signal.ParticipantInfo {
	return signal.ParticipantInfo{
		ID:          p.ID,
		Name:        p.Name,
		IsInitiator: p.Role == room.RoleInitiator,
		JoinedAt:    p.JoinedAt,
	}
}

func participantInfos(ps []room.Participant) []signal.ParticipantInfo {
	out := make([]signal.ParticipantInfo, len(ps))
	for i, p := range ps {
		out[i] = participantInfo(p)
	}
	return out
}

func chatPayload(m room.ChatMessage) signal.ChatMessagePayload {
	return signal.ChatMessagePayload{
		ID:                 m.ID,
		Content:            m.Content,
		Sender:             m.Sender,
		Timestamp:          m.Timestamp,
		SenderConnectionID: m.SenderConnectionID,
	}
}
