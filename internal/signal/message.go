package signal

import "encoding/json"

// Message type constants for the signaling wire format.
const (
	TypeJoinRoom    = "join-room"
	TypeRoomJoined  = "room-joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "ice-candidate"
	TypeJoinChat    = "join-chat"
	TypeChatMessage = "chat-message"
	TypeChatHistory = "chat-history"
	TypeRoomClosed  = "room-closed"
	TypeError       = "error"
)

// Message is the JSON envelope for every message on the signaling channel,
// in both directions. Payload stays raw so the relay can forward offer,
// answer and candidate payloads without interpreting them.
type Message struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParticipantInfo describes a room member as seen on the wire.
type ParticipantInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsInitiator bool   `json:"is_initiator"`
	JoinedAt    int64  `json:"joined_at"`
}

// JoinRoomPayload is sent by a client to enter a room. Name is optional;
// the relay assigns "User N" when it is empty.
type JoinRoomPayload struct {
	Name string `json:"name,omitempty"`
}

// RoomJoinedPayload is returned to the joiner.
type RoomJoinedPayload struct {
	IsInitiator  bool              `json:"is_initiator"`
	Participants []ParticipantInfo `json:"participants"`
}

// UserJoinedPayload is broadcast to the other room members on join.
type UserJoinedPayload struct {
	User         ParticipantInfo   `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
	IsInitiator  bool              `json:"is_initiator"`
}

// UserLeftPayload is broadcast to the remaining members on leave.
type UserLeftPayload struct {
	User         ParticipantInfo   `json:"user"`
	Participants []ParticipantInfo `json:"participants"`
}

// ChatSendPayload is the client→relay half of a chat message.
type ChatSendPayload struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// ChatMessagePayload is the relayed form, with server-assigned fields.
type ChatMessagePayload struct {
	ID                 string `json:"id"`
	Content            string `json:"content"`
	Sender             string `json:"sender"`
	Timestamp          int64  `json:"timestamp"`
	SenderConnectionID string `json:"sender_connection_id"`
}

// ChatHistoryPayload replays recent messages to a chat joiner, oldest first.
type ChatHistoryPayload struct {
	Messages []ChatMessagePayload `json:"messages"`
}

// ErrorPayload is sent when the relay rejects a request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MustPayload marshals v for use as a Message payload. Payload structs in
// this package contain only marshalable fields, so failure is a programming
// error and yields a nil payload rather than a panic.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
