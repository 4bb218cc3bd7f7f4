package gateway

import "sync"

// Room names. Every authenticated connection is in the lobby and in its
// user's personal room; chat rooms are joined explicitly.
const (
	LobbyRoom      = "lobby"
	userRoomPrefix = "user:"
	chatRoomPrefix = "chat:"
)

// UserRoom returns the personal room of userID.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ChatRoom returns the room of chatID.
func ChatRoom(chatID string) string { return chatRoomPrefix + chatID }

// Peer is the write side of a client connection.
type Peer interface {
	ConnID() string
	Send(data []byte) error
	Close() error
}

// Fanout delivers a frame to every member of a room except exceptConn.
// Rooms delivers in-process; the NATS room bus delivers to every gateway.
type Fanout interface {
	Publish(room string, frame []byte, exceptConn string) error
}

// Rooms indexes connections by room and rooms by connection.
type Rooms struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Peer     // room -> connID -> peer
	memberships map[string]map[string]struct{} // connID -> rooms
}

// NewRooms returns an empty index.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:       make(map[string]map[string]Peer),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds p to room. Joining twice is a no-op.
func (r *Rooms) Join(room string, p Peer) {
	id := p.ConnID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Peer)
		r.rooms[room] = members
	}
	members[id] = p

	joined := r.memberships[id]
	if joined == nil {
		joined = make(map[string]struct{})
		r.memberships[id] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes connID from room.
func (r *Rooms) Leave(room, connID string) {
	r.mu.Lock()
	r.leaveLocked(room, connID)
	r.mu.Unlock()
}

// LeaveAll removes connID from every room it joined.
func (r *Rooms) LeaveAll(connID string) {
	r.mu.Lock()
	for room := range r.memberships[connID] {
		r.leaveLocked(room, connID)
	}
	delete(r.memberships, connID)
	r.mu.Unlock()
}

func (r *Rooms) leaveLocked(room, connID string) {
	if members := r.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined := r.memberships[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.memberships, connID)
		}
	}
}

// Members returns the number of connections in room.
func (r *Rooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// In reports whether connID joined room.
func (r *Rooms) In(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Deliver writes frame to the local members of room except exceptConn and
// returns how many peers accepted it. Peers are sent to outside the lock.
func (r *Rooms) Deliver(room string, frame []byte, exceptConn string) int {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.rooms[room]))
	for id, p := range r.rooms[room] {
		if id != exceptConn {
			peers = append(peers, p)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if err := p.Send(frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// Publish implements Fanout for a single process.
func (r *Rooms) Publish(room string, frame []byte, exceptConn string) error {
	r.Deliver(room, frame, exceptConn)
	return nil
}
