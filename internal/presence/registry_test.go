package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pigeon/chat-app/internal/protocol"
)

type sent struct {
	to      string // connection id, or "*" for broadcast
	except  string
	event   string
	payload interface{}
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (b *fakeBroadcaster) Broadcast(event string, payload interface{}, exceptConn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{to: "*", except: exceptConn, event: event, payload: payload})
}

func (b *fakeBroadcaster) Send(connID, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{to: connID, event: event, payload: payload})
}

func (b *fakeBroadcaster) events(event string) []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sent
	for _, s := range b.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBroadcaster) reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

func setupRegistry(t *testing.T, mirror Mirror) (*Registry, *fakeBroadcaster) {
	t.Helper()
	out := &fakeBroadcaster{}
	r := NewRegistry(out, mirror, zaptest.NewLogger(t))
	t.Cleanup(r.Close)
	return r, out
}

func TestEnter_RepliesAndBroadcasts(t *testing.T) {
	r, out := setupRegistry(t, nil)

	r.Enter("alice", "c1")
	users := r.Enter("bob", "c2")
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", users)
	}

	lists := out.events(protocol.TypeOnlineUsers)
	if len(lists) != 2 || lists[1].to != "c2" {
		t.Fatalf("expected onlineUsers sent to each caller, got %+v", lists)
	}
	if got := lists[1].payload.(protocol.OnlineUsersMsg).Users; len(got) != 2 {
		t.Errorf("expected both users in reply, got %v", got)
	}

	statuses := out.events(protocol.TypeUserStatuses)
	if len(statuses) != 2 || statuses[1].payload.(protocol.UserStatusesMsg).Statuses["alice"] != "online" {
		t.Errorf("expected userStatuses with alice online, got %+v", statuses)
	}

	online := out.events(protocol.TypeUserOnline)
	if len(online) != 2 || online[1].except != "c2" || online[1].payload.(protocol.UserStatusMsg).UserID != "bob" {
		t.Errorf("expected userOnline for bob excluding c2, got %+v", online)
	}
}

func TestMultiTab_LastConnectionMakesOffline(t *testing.T) {
	r, out := setupRegistry(t, nil)

	r.Enter("alice", "tab-1")
	r.Enter("alice", "tab-2")

	if users := r.OnlineUsers(); len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected alice exactly once, got %v", users)
	}
	if n := len(out.events(protocol.TypeUserOnline)); n != 1 {
		t.Errorf("expected a single userOnline for two tabs, got %d", n)
	}

	r.Disconnect("alice", "tab-1")
	if users := r.OnlineUsers(); len(users) != 1 {
		t.Fatalf("expected alice still online with tab-2 open, got %v", users)
	}
	if n := len(out.events(protocol.TypeUserOffline)); n != 0 {
		t.Fatalf("expected no userOffline yet, got %d", n)
	}

	r.Disconnect("alice", "tab-2")
	if users := r.OnlineUsers(); len(users) != 0 {
		t.Fatalf("expected nobody online, got %v", users)
	}
	if n := len(out.events(protocol.TypeUserOffline)); n != 1 {
		t.Errorf("expected one userOffline, got %d", n)
	}
}

func TestEnter_SameConnectionTwiceIsIdempotent(t *testing.T) {
	r, out := setupRegistry(t, nil)
	r.Enter("alice", "c1")
	r.Enter("alice", "c1")

	if n := len(out.events(protocol.TypeUserOnline)); n != 1 {
		t.Errorf("expected one userOnline, got %d", n)
	}
	r.Leave("alice", "c1")
	if users := r.OnlineUsers(); len(users) != 0 {
		t.Errorf("expected a single leave to clear the entry, got %v", users)
	}
}

func TestAwayActive(t *testing.T) {
	r, out := setupRegistry(t, nil)

	// No entry: both are no-ops.
	r.Away("ghost")
	r.Active("ghost")
	if len(out.events(protocol.TypeUserAway))+len(out.events(protocol.TypeUserOnline)) != 0 {
		t.Fatal("expected no events for a user without an entry")
	}

	r.Enter("alice", "c1")
	out.reset()

	r.Away("alice")
	r.Away("alice")
	if n := len(out.events(protocol.TypeUserAway)); n != 1 {
		t.Fatalf("expected one userAway, got %d", n)
	}
	if got := r.Statuses()["alice"]; got != string(StatusAway) {
		t.Errorf("expected away, got %q", got)
	}
	if users := r.OnlineUsers(); len(users) != 1 {
		t.Errorf("away keeps the entry, got %v", users)
	}

	r.Active("alice")
	if n := len(out.events(protocol.TypeUserOnline)); n != 1 {
		t.Fatalf("expected userOnline on active, got %d", n)
	}

	// After disconnect, late signals are ignored.
	r.Disconnect("alice", "c1")
	out.reset()
	r.Away("alice")
	if n := len(out.events(protocol.TypeUserAway)); n != 0 {
		t.Errorf("expected stale goAway to be ignored, got %d", n)
	}
}

func TestLeave_UnknownConnection(t *testing.T) {
	r, out := setupRegistry(t, nil)
	r.Enter("alice", "c1")
	r.Leave("alice", "c-other")
	r.Leave("bob", "c1")
	if len(r.OnlineUsers()) != 1 || len(out.events(protocol.TypeUserOffline)) != 0 {
		t.Fatal("leave with an unknown connection must not change state")
	}
}

func TestConcurrentTransitions(t *testing.T) {
	r, _ := setupRegistry(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := string(rune('a' + i%26))
			r.Enter("alice", conn)
			r.Away("alice")
			r.Active("alice")
			r.Leave("alice", conn)
		}(i)
	}
	wg.Wait()

	if users := r.OnlineUsers(); len(users) != 0 {
		t.Fatalf("expected empty registry after balanced enter/leave, got %v", users)
	}
}

// ---------- mirror ----------

func setupMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisMirror(client), mr
}

func TestRedisMirror_SaveLoad(t *testing.T) {
	m, mr := setupMirror(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	rec, err := m.Load(ctx, "alice")
	if err != nil || rec != nil {
		t.Fatalf("expected no record, got %+v err=%v", rec, err)
	}

	if err := m.Save(ctx, Record{UserID: "alice", Status: StatusOffline, LastSeen: at, UpdatedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(ctx, Record{UserID: "alice", Status: StatusOnline, LastSeen: at.Add(time.Hour), UpdatedAt: at.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	rec, err = m.Load(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusOnline {
		t.Errorf("expected online, got %q", rec.Status)
	}
	if !rec.LastSeen.Equal(at) {
		t.Errorf("expected last seen kept from the offline write, got %v", rec.LastSeen)
	}
	if ttl := mr.TTL(StatusPrefix + "alice"); ttl != StatusTTL {
		t.Errorf("expected TTL %v, got %v", StatusTTL, ttl)
	}
}

func TestRegistry_MirrorsTransitions(t *testing.T) {
	m, mr := setupMirror(t)
	out := &fakeBroadcaster{}
	r := NewRegistry(out, m, zaptest.NewLogger(t))
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return at }

	r.Enter("alice", "c1")
	r.Leave("alice", "c1")
	r.Close() // flushes the writer

	if got := mr.HGet(StatusPrefix+"alice", "status"); got != "offline" {
		t.Fatalf("expected mirrored offline, got %q", got)
	}

	snap, err := r.Status(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusOffline || snap.LastSeen == nil || !snap.LastSeen.Equal(at) {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

type brokenMirror struct{}

func (brokenMirror) Save(context.Context, Record) error { return errors.New("redis down") }
func (brokenMirror) Load(context.Context, string) (*Record, error) {
	return nil, errors.New("redis down")
}

func TestRegistry_MirrorFailureDoesNotBlockBroadcast(t *testing.T) {
	out := &fakeBroadcaster{}
	r := NewRegistry(out, brokenMirror{}, zaptest.NewLogger(t))

	r.Enter("alice", "c1")
	r.Away("alice")
	r.Leave("alice", "c1")
	r.Close()

	for _, ev := range []string{protocol.TypeUserOnline, protocol.TypeUserAway, protocol.TypeUserOffline} {
		if n := len(out.events(ev)); n != 1 {
			t.Errorf("expected one %s despite mirror failure, got %d", ev, n)
		}
	}

	// Live status is answered without the mirror.
	r2 := NewRegistry(out, brokenMirror{}, zaptest.NewLogger(t))
	defer r2.Close()
	r2.Enter("bob", "c2")
	snap, err := r2.Status(context.Background(), "bob")
	if err != nil || snap.Status != StatusOnline {
		t.Errorf("expected live online status, got %+v err=%v", snap, err)
	}
}
