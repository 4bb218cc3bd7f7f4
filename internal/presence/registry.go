// Package presence is the process-wide registry of who is on the chat page.
// Only the Registry touches its map; every transition is applied and
// broadcast under one lock, so events for a user go out in the order the
// transitions happened.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/metrics"
	"github.com/pigeon/chat-app/internal/protocol"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Broadcaster delivers presence events. Implementations must not block and
// must not call back into the Registry.
type Broadcaster interface {
	// Broadcast sends to every authenticated connection except exceptConn.
	Broadcast(event string, payload interface{}, exceptConn string)
	// Send delivers to a single connection.
	Send(connID, event string, payload interface{})
}

// Snapshot is the answer to a single-user status lookup.
type Snapshot struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// entry is one user's live presence. A user stays present while at least
// one of their connections has entered the chat page.
type entry struct {
	conns     map[string]struct{}
	status    Status
	enteredAt time.Time
}

// Registry owns the live presence map.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	out          Broadcaster
	mirror       *mirrorWriter
	mirrorClosed bool
	log          *zap.Logger
	now          func() time.Time
}

// NewRegistry creates a Registry. mirror may be nil, in which case last-seen
// is not persisted.
func NewRegistry(out Broadcaster, mirror Mirror, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("presence")
	r := &Registry{
		entries: make(map[string]*entry),
		out:     out,
		log:     log,
		now:     time.Now,
	}
	if mirror != nil {
		r.mirror = newMirrorWriter(mirror, log)
	}
	return r
}

// Close stops the mirror writer after flushing queued writes.
func (r *Registry) Close() {
	r.mu.Lock()
	r.mirrorClosed = true
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.close()
	}
}

// Enter marks userID online for connID. The caller receives the online list
// and the status map; everyone else hears userOnline when the user was not
// already online. It returns the online user ids.
func (r *Registry) Enter(userID, connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{conns: make(map[string]struct{}), enteredAt: now}
		r.entries[userID] = e
	}
	e.conns[connID] = struct{}{}
	wasOnline := ok && e.status == StatusOnline
	e.status = StatusOnline

	users := r.onlineLocked()
	r.out.Send(connID, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{Users: users})
	r.out.Send(connID, protocol.TypeUserStatuses, protocol.UserStatusesMsg{Statuses: r.statusesLocked()})
	if !wasOnline {
		r.out.Broadcast(protocol.TypeUserOnline,
			protocol.UserStatusMsg{UserID: userID, Status: string(StatusOnline)}, connID)
		r.persist(userID, StatusOnline, now)
	}
	metrics.OnlineUsers.Set(float64(len(r.entries)))
	return users
}

// Leave removes connID from userID's entry. When it was the user's last
// connection the entry is dropped and everyone hears userOffline.
func (r *Registry) Leave(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return
	}
	if _, held := e.conns[connID]; !held {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return
	}

	delete(r.entries, userID)
	r.out.Broadcast(protocol.TypeUserOffline,
		protocol.UserStatusMsg{UserID: userID, Status: string(StatusOffline)}, connID)
	r.persist(userID, StatusOffline, r.now())
	metrics.OnlineUsers.Set(float64(len(r.entries)))
}

// Disconnect is Leave for a closed connection.
func (r *Registry) Disconnect(userID, connID string) {
	r.Leave(userID, connID)
}

// Away marks userID away. It is a no-op without a live entry.
func (r *Registry) Away(userID string) {
	r.setStatus(userID, StatusAway, protocol.TypeUserAway)
}

// Active marks userID online again after Away. It is a no-op without a live
// entry.
func (r *Registry) Active(userID string) {
	r.setStatus(userID, StatusOnline, protocol.TypeUserOnline)
}

func (r *Registry) setStatus(userID string, status Status, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.status == status {
		return
	}
	e.status = status
	r.out.Broadcast(event, protocol.UserStatusMsg{UserID: userID, Status: string(status)}, "")
	r.persist(userID, status, r.now())
}

// OnlineUsers returns the ids of users with a live entry, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// Statuses returns the live status of every present user.
func (r *Registry) Statuses() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusesLocked()
}

// Status returns userID's live status, falling back to the mirror for
// last-seen when the user is not present.
func (r *Registry) Status(ctx context.Context, userID string) (Snapshot, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	var status Status
	if ok {
		status = e.status
	}
	r.mu.Unlock()

	if ok {
		return Snapshot{UserID: userID, Status: status}, nil
	}
	snap := Snapshot{UserID: userID, Status: StatusOffline}
	if r.mirror == nil {
		return snap, nil
	}
	rec, err := r.mirror.m.Load(ctx, userID)
	if err != nil {
		return snap, err
	}
	if rec != nil && !rec.LastSeen.IsZero() {
		seen := rec.LastSeen
		snap.LastSeen = &seen
	}
	return snap, nil
}

func (r *Registry) onlineLocked() []string {
	users := make([]string, 0, len(r.entries))
	for id := range r.entries {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) statusesLocked() map[string]string {
	out := make(map[string]string, len(r.entries))
	for id, e := range r.entries {
		out[id] = string(e.status)
	}
	return out
}

func (r *Registry) persist(userID string, status Status, at time.Time) {
	if r.mirror != nil && !r.mirrorClosed {
		r.mirror.enqueue(Record{UserID: userID, Status: status, LastSeen: at, UpdatedAt: at})
	}
}
