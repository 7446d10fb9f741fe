package room

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Registry maps room ids to live rooms. Rooms are created lazily on first
// join — room ids are opaque tokens minted elsewhere and never validated
// against a creation record — and deleted the instant they become empty.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	// maxParticipants is read atomically so config reload can change it
	// without touching the registry lock.
	maxParticipants atomic.Int64
}

// NewRegistry creates an empty registry. maxParticipants <= 0 means the
// pairwise default of 2.
func NewRegistry(maxParticipants int) *Registry {
	if maxParticipants <= 0 {
		maxParticipants = 2
	}
	reg := &Registry{rooms: make(map[string]*room)}
	reg.maxParticipants.Store(int64(maxParticipants))
	return reg
}

// SetMaxParticipants changes the capacity applied to future joins.
func (g *Registry) SetMaxParticipants(n int) {
	if n <= 0 {
		n = 2
	}
	g.maxParticipants.Store(int64(n))
}

// Join adds a participant to roomID, creating the room if needed. The first
// participant of an empty room becomes the initiator; everyone after is a
// responder until the room empties again. Returns the joined participant
// (with assigned role and name) and a snapshot of the full list.
//
// Two concurrent joins to the same room are serialized on the room mutex, so
// they can never both observe an empty room and both become initiator. A join
// that races the last leaver can lock a room already deleted from the map;
// such rooms are marked closed and the join retries against a fresh one.
func (g *Registry) Join(roomID, participantID, name string) (Participant, []Participant, error) {
	var r *room
	for {
		r = g.getOrCreate(roomID)
		r.mu.Lock()
		if !r.closed {
			break
		}
		r.mu.Unlock()
	}

	if int64(len(r.participants)) >= g.maxParticipants.Load() {
		r.mu.Unlock()
		return Participant{}, nil, fullErr(roomID)
	}

	role := RoleResponder
	if len(r.participants) == 0 {
		role = RoleInitiator
	}
	r.joinSeq++
	if name == "" {
		name = defaultName(r.joinSeq)
	}
	p := &Participant{
		ID:       participantID,
		Name:     name,
		Role:     role,
		JoinedAt: time.Now().UnixMilli(),
	}
	r.participants = append(r.participants, p)
	joined := *p
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Printf("ROOM: %s joined %s as %s (%d participants)", participantID, roomID, role, len(snap))
	return joined, snap, nil
}

// Leave removes a participant and returns the departed participant plus a
// snapshot of the remaining list. The room is deleted when it becomes empty.
// Leaving a room one is not in returns ErrNotMember.
func (g *Registry) Leave(roomID, participantID string) (Participant, []Participant, error) {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return Participant{}, nil, ErrNotMember
	}

	r.mu.Lock()
	idx, p := r.memberLocked(participantID)
	if p == nil {
		r.mu.Unlock()
		return Participant{}, nil, ErrNotMember
	}
	left := *p
	r.participants = append(r.participants[:idx], r.participants[idx+1:]...)
	empty := len(r.participants) == 0
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if empty {
		// Re-check under both locks: a join may have raced the removal.
		g.mu.Lock()
		r.mu.Lock()
		if len(r.participants) == 0 && g.rooms[roomID] == r {
			r.closed = true
			delete(g.rooms, roomID)
			log.Printf("ROOM: %s deleted (empty)", roomID)
		}
		r.mu.Unlock()
		g.mu.Unlock()
	}

	log.Printf("ROOM: %s left %s (%d remaining)", participantID, roomID, len(snap))
	return left, snap, nil
}

// Member reports whether participantID is currently in roomID.
func (g *Registry) Member(roomID, participantID string) bool {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	_, p := r.memberLocked(participantID)
	r.mu.Unlock()
	return p != nil
}

// Snapshot returns the participant list of roomID, or nil when the room does
// not exist.
func (g *Registry) Snapshot(roomID string) []Participant {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()
	return snap
}

// Exists reports whether roomID currently has a live room.
func (g *Registry) Exists(roomID string) bool {
	g.mu.RLock()
	_, ok := g.rooms[roomID]
	g.mu.RUnlock()
	return ok
}

// AppendMessage appends a chat message to the room's bounded history and
// returns the stored form with server-assigned id and timestamp. The sender
// must be a current member.
func (g *Registry) AppendMessage(roomID, senderConnID, senderName, content string) (ChatMessage, error) {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return ChatMessage{}, ErrNotMember
	}

	r.mu.Lock()
	if _, p := r.memberLocked(senderConnID); p == nil {
		r.mu.Unlock()
		return ChatMessage{}, ErrNotMember
	}
	msg := ChatMessage{
		ID:                 uuid.NewString(),
		Room:               roomID,
		Sender:             senderName,
		SenderConnectionID: senderConnID,
		Content:            content,
		Timestamp:          time.Now().UnixMilli(),
	}
	r.history.Push(msg)
	r.mu.Unlock()
	return msg, nil
}

// History returns the full chat history of roomID, oldest first.
func (g *Registry) History(roomID string) []ChatMessage {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.history.Snapshot()
}

// HistoryTail returns the most recent n history entries, oldest first —
// the replay window for a chat joiner.
func (g *Registry) HistoryTail(roomID string, n int) []ChatMessage {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.history.Tail(n)
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.RLock()
	n := len(g.rooms)
	g.mu.RUnlock()
	return n
}

func (g *Registry) getOrCreate(roomID string) *room {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.rooms[roomID]; ok {
		return r
	}
	r = newRoom(roomID)
	g.rooms[roomID] = r
	log.Printf("ROOM: %s created", roomID)
	return r
}

func defaultName(seq int) string {
	return "User " + strconv.Itoa(seq)
}
