// Package room is the authoritative registry of rooms, their participants
// and their chat history. It holds no network state: the relay layer owns
// connections and broadcasts, the registry only answers join/leave/append
// and hands out snapshots.
package room

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pairmeet/pairmeet/internal/util"
)

// Role distinguishes which peer produces the offer in a negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ErrRoomFull is returned when a join would exceed the room capacity.
var ErrRoomFull = errors.New("room is full")

// ErrNotMember is returned when an operation names a participant that is not
// currently in the room.
var ErrNotMember = errors.New("not a room member")

const (
	// HistoryCap is the FIFO cap on per-room chat history.
	HistoryCap = 100

	// ReplayCount is how many history entries a chat joiner receives.
	ReplayCount = 20
)

// Participant is one member of a room. Role is assigned at join time and
// never reassigned for the lifetime of the membership.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	JoinedAt int64  `json:"joined_at"`
}

// ChatMessage is one entry of a room's bounded history.
type ChatMessage struct {
	ID                 string `json:"id"`
	Room               string `json:"room"`
	Sender             string `json:"sender"`
	SenderConnectionID string `json:"sender_connection_id"`
	Content            string `json:"content"`
	Timestamp          int64  `json:"timestamp"`
}

// room is the registry's internal per-room state. participants keeps join
// order; joinSeq keeps counting up across leaves so default display names
// stay unique within the room's lifetime.
type room struct {
	id string

	mu           sync.Mutex
	participants []*Participant
	history      *util.RingBuffer[ChatMessage]
	joinSeq      int

	// closed is set when the last leaver deletes the room from the registry.
	// A join that locked this object too late must retry against the map
	// instead of mutating an orphan.
	closed bool
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		history: util.NewRingBuffer[ChatMessage](HistoryCap),
	}
}

// snapshotLocked copies the participant list. Caller holds r.mu.
func (r *room) snapshotLocked() []Participant {
	out := make([]Participant, len(r.participants))
	for i, p := range r.participants {
		out[i] = *p
	}
	return out
}

func (r *room) memberLocked(participantID string) (int, *Participant) {
	for i, p := range r.participants {
		if p.ID == participantID {
			return i, p
		}
	}
	return -1, nil
}

func fullErr(roomID string) error {
	return fmt.Errorf("room %s: %w", roomID, ErrRoomFull)
}
