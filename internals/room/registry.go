package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound = errors.New("Room not found")
	ErrRoomFull     = errors.New("Room is full")
)

// MaxParticipants is the hard pairing capacity. A room holds the creator
// and at most one joiner; a third distinct connection is rejected.
const MaxParticipants = 2

// A Room pairs at most two connections. Participants keeps join order;
// CreatorID is always one of them while the room exists.
type Room struct {
	ID           string
	CreatorID    string
	Participants []string
	CreatedAt    time.Time
}

func (r *Room) contains(connID string) bool {
	for _, id := range r.Participants {
		if id == connID {
			return true
		}
	}
	return false
}

// Departure reports the outcome of removing a connection from its room.
type Departure struct {
	RoomID    string
	Remaining string // the participant still in the room, "" if none
	Deleted   bool   // the room hit zero participants and was removed
}

// Registry is the single source of truth for pairing state. All reads and
// writes go through one mutex; handlers on different connection goroutines
// see each operation atomically.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]string // connID -> roomID
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
		logger: logger,
	}
}

// CreateRoom inserts a fresh room with connID as sole participant and
// creator, and returns its id. UUIDs keep ids unguessable; collisions with
// a live room are retried rather than assumed away.
func (r *Registry) CreateRoom(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = uuid.New().String()
		if _, exists := r.rooms[id]; !exists {
			break
		}
	}

	r.rooms[id] = &Room{
		ID:           id,
		CreatorID:    connID,
		Participants: []string{connID},
		CreatedAt:    time.Now(),
	}
	r.byConn[connID] = id

	r.logger.Info("Room created",
		zap.String("roomID", id),
		zap.String("connID", connID),
	)
	return id
}

// Join adds connID to the room and reports whether the joiner is the
// creator. Joining a room the connection is already in succeeds without a
// duplicate entry. There is no auto-create path: an unknown id is an error.
func (r *Registry) Join(roomID, connID string) (isCreator bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		return false, ErrRoomNotFound
	}

	if rm.contains(connID) {
		return connID == rm.CreatorID, nil
	}

	if len(rm.Participants) >= MaxParticipants {
		return false, ErrRoomFull
	}

	rm.Participants = append(rm.Participants, connID)
	r.byConn[connID] = roomID

	r.logger.Info("Room joined",
		zap.String("roomID", roomID),
		zap.String("connID", connID),
		zap.Int("participants", len(rm.Participants)),
	)
	return connID == rm.CreatorID, nil
}

// Leave removes connID from whichever room contains it. The room is deleted
// the moment it empties; otherwise the survivor is reported so the caller
// can notify them. A connection that is in no room leaves a zero Departure.
func (r *Registry) Leave(connID string) Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connID]
	if !ok {
		return Departure{}
	}
	delete(r.byConn, connID)

	rm, exists := r.rooms[roomID]
	if !exists {
		return Departure{}
	}

	kept := rm.Participants[:0]
	for _, id := range rm.Participants {
		if id != connID {
			kept = append(kept, id)
		}
	}
	rm.Participants = kept

	dep := Departure{RoomID: roomID}
	switch len(rm.Participants) {
	case 0:
		delete(r.rooms, roomID)
		dep.Deleted = true
		r.logger.Info("Room deleted", zap.String("roomID", roomID))
	case 1:
		dep.Remaining = rm.Participants[0]
		r.logger.Info("Participant left room",
			zap.String("roomID", roomID),
			zap.String("connID", connID),
			zap.String("remaining", dep.Remaining),
		)
	}
	return dep
}

// Peers returns the other participants of roomID, excluding connID. The
// boolean reports whether connID is itself a participant; relays must not
// proceed when it is false.
func (r *Registry) Peers(roomID, excluding string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		return nil, false
	}

	peers := make([]string, 0, MaxParticipants-1)
	member := false
	for _, id := range rm.Participants {
		if id == excluding {
			member = true
			continue
		}
		peers = append(peers, id)
	}
	if !member {
		return nil, false
	}
	return peers, true
}

// RoomCount reports how many rooms currently exist.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Exists reports whether a room is present in the registry.
func (r *Registry) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}
