package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/pigeon/chat-app/internal/auth"
	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/matching"
	"github.com/pigeon/chat-app/internal/presence"
	"github.com/pigeon/chat-app/internal/protocol"
	"github.com/pigeon/chat-app/internal/ratelimit"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, interface{}, string) {}
func (nopBroadcaster) Send(string, string, interface{})      {}

type testEnv struct {
	handler  http.Handler
	gate     *auth.Gate
	presence *presence.Registry
}

func setupAPI(t *testing.T, limiter Limiter) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	gate, err := auth.NewGate("test-secret-0123456789", 0)
	if err != nil {
		t.Fatalf("NewGate() error: %v", err)
	}
	chatStore := chat.NewMemoryStore()
	reg := presence.NewRegistry(nopBroadcaster{}, nil, log)
	t.Cleanup(reg.Close)

	a := New(Deps{
		Gate:     gate,
		Chats:    chat.NewService(chatStore, nil, log),
		Matcher:  matching.NewService(matching.NewMemoryStore(), chatStore, nil, log),
		Presence: reg,
		Limiter:  limiter,
		Log:      log,
	})
	return &testEnv{handler: a.Handler(), gate: gate, presence: reg}
}

// do sends a request as user (unauthenticated when user is empty) and
// decodes a JSON response into out when out is non-nil.
func (e *testEnv) do(t *testing.T, user, method, path string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		token, err := e.gate.Issue(user)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec
}

// catchChat releases a pigeon from sender, has catcher catch it and returns
// the chat id.
func (e *testEnv) catchChat(t *testing.T, sender, catcher string) string {
	t.Helper()
	var p matching.Pigeon
	rec := e.do(t, sender, http.MethodPost, "/api/pigeons",
		matching.ReleaseInput{Zone: matching.ZoneRandom, Content: "hello from " + sender}, &p)
	if rec.Code != http.StatusCreated {
		t.Fatalf("release: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var res matching.CatchResult
	rec = e.do(t, catcher, http.MethodPost, "/api/pigeons/"+p.ID+"/catch", nil, &res)
	if rec.Code != http.StatusOK {
		t.Fatalf("catch: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	return res.ChatID
}

func TestAPI_RequiresSession(t *testing.T) {
	env := setupAPI(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "Bearer not-a-token"},
		{"wrong scheme", "Basic abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != http.StatusUnauthorized || body.Message == "" {
				t.Errorf("unexpected error body %+v", body)
			}
		})
	}
}

func TestAPI_ReleaseListCatch(t *testing.T) {
	env := setupAPI(t, nil)

	var released matching.Pigeon
	rec := env.do(t, "alice", http.MethodPost, "/api/pigeons",
		matching.ReleaseInput{Zone: matching.ZoneLocal, CountryCode: "kr", Content: "coo"}, &released)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if released.SenderID != "alice" || released.CountryCode != "KR" {
		t.Errorf("unexpected pigeon %+v", released)
	}

	var seen []matching.Pigeon
	env.do(t, "bob", http.MethodGet, "/api/pigeons?countryCode=JP", nil, &seen)
	if len(seen) != 0 {
		t.Errorf("expected local KR pigeon hidden from JP viewer, got %+v", seen)
	}
	env.do(t, "bob", http.MethodGet, "/api/pigeons?countryCode=KR", nil, &seen)
	if len(seen) != 1 || seen[0].SenderID != "" {
		t.Fatalf("expected one anonymous pigeon, got %+v", seen)
	}

	rec = env.do(t, "alice", http.MethodPost, "/api/pigeons/"+released.ID+"/catch", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 catching own pigeon, got %d", rec.Code)
	}

	var res matching.CatchResult
	rec = env.do(t, "bob", http.MethodPost, "/api/pigeons/"+released.ID+"/catch", nil, &res)
	if rec.Code != http.StatusOK || !res.IsNewChat || res.ChatID == "" {
		t.Fatalf("expected new chat, got %d %+v", rec.Code, res)
	}

	rec = env.do(t, "carol", http.MethodPost, "/api/pigeons/"+released.ID+"/catch", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a caught pigeon, got %d", rec.Code)
	}
}

func TestAPI_ReleaseValidation(t *testing.T) {
	env := setupAPI(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty content", matching.ReleaseInput{Content: "  "}},
		{"bad zone", matching.ReleaseInput{Zone: "moon", Content: "hi"}},
		{"local without country", matching.ReleaseInput{Zone: matching.ZoneLocal, Content: "hi"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			rec := env.do(t, "alice", http.MethodPost, "/api/pigeons", tt.body, &body)
			if rec.Code != http.StatusBadRequest || body.Status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %+v", rec.Code, body)
			}
		})
	}
}

func TestAPI_ChatLifecycle(t *testing.T) {
	env := setupAPI(t, nil)
	chatID := env.catchChat(t, "alice", "bob")

	var sent protocol.MessageView
	rec := env.do(t, "bob", http.MethodPost, "/api/chats/"+chatID+"/messages",
		sendMessageRequest{Text: "caught your pigeon"}, &sent)
	if rec.Code != http.StatusCreated || sent.Sender != "bob" {
		t.Fatalf("expected 201 from bob, got %d %+v", rec.Code, sent)
	}

	rec = env.do(t, "mallory", http.MethodGet, "/api/chats/"+chatID+"/messages", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-participant, got %d", rec.Code)
	}

	var unread unreadCountResponse
	env.do(t, "alice", http.MethodGet, "/api/messages/unread-count", nil, &unread)
	if unread.Count != 1 {
		t.Fatalf("expected 1 unread for alice, got %d", unread.Count)
	}

	var updated []protocol.MessageView
	env.do(t, "alice", http.MethodPost, "/api/chats/"+chatID+"/read",
		markReadRequest{MessageIDs: []string{sent.ID}}, &updated)
	if len(updated) != 1 || !updated[0].IsRead {
		t.Fatalf("expected message marked read, got %+v", updated)
	}
	env.do(t, "alice", http.MethodGet, "/api/messages/unread-count", nil, &unread)
	if unread.Count != 0 {
		t.Errorf("expected 0 unread, got %d", unread.Count)
	}

	rec = env.do(t, "alice", http.MethodDelete, "/api/chats/"+chatID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	var chats []chat.Chat
	env.do(t, "alice", http.MethodGet, "/api/chats", nil, &chats)
	if len(chats) != 0 {
		t.Errorf("expected chat hidden for alice, got %+v", chats)
	}
	env.do(t, "bob", http.MethodGet, "/api/chats", nil, &chats)
	if len(chats) != 1 {
		t.Errorf("expected bob to keep the chat, got %+v", chats)
	}

	rec = env.do(t, "alice", http.MethodPost, "/api/chats/"+chatID+"/restore", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	env.do(t, "alice", http.MethodGet, "/api/chats", nil, &chats)
	if len(chats) != 1 {
		t.Errorf("expected chat restored for alice, got %+v", chats)
	}
}

func TestAPI_ReactionsAndPins(t *testing.T) {
	env := setupAPI(t, nil)
	chatID := env.catchChat(t, "alice", "bob")

	// Fresh values per call; decoding into a reused view would merge maps.
	message := func(user, method, path string, body interface{}) protocol.MessageView {
		t.Helper()
		var out protocol.MessageView
		rec := env.do(t, user, method, path, body, &out)
		if rec.Code >= 300 {
			t.Fatalf("%s %s: got %d: %s", method, path, rec.Code, rec.Body)
		}
		return out
	}

	m := message("alice", http.MethodPost, "/api/chats/"+chatID+"/messages", sendMessageRequest{Text: "hi"})
	base := "/api/messages/" + m.ID

	message("bob", http.MethodPost, base+"/reactions", reactionRequest{Reaction: "👍"})
	m = message("bob", http.MethodPost, base+"/reactions", reactionRequest{Reaction: "❤️"})
	if _, ok := m.Reactions["👍"]; ok || m.Reactions["❤️"].Count != 1 {
		t.Fatalf("expected bob's reaction switched to ❤️, got %+v", m.Reactions)
	}

	var reactions map[string]protocol.ReactionView
	env.do(t, "alice", http.MethodGet, base+"/reactions", nil, &reactions)
	if len(reactions) != 1 || reactions["❤️"].Users[0] != "bob" {
		t.Errorf("unexpected reactions %+v", reactions)
	}

	m = message("bob", http.MethodDelete, base+"/reactions", nil)
	if len(m.Reactions) != 0 {
		t.Errorf("expected reactions cleared, got %+v", m.Reactions)
	}

	rec := env.do(t, "alice", http.MethodPost, base+"/reactions", reactionRequest{Reaction: strings.Repeat("x", chat.MaxReactionKey+1)}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an oversized reaction, got %d", rec.Code)
	}

	m = message("bob", http.MethodPost, base+"/pin", nil)
	if !m.IsPinned || m.PinnedBy != "bob" {
		t.Fatalf("expected pinned by bob, got %+v", m)
	}
	var pinned []protocol.MessageView
	env.do(t, "alice", http.MethodGet, "/api/chats/"+chatID+"/pinned", nil, &pinned)
	if len(pinned) != 1 {
		t.Fatalf("expected one pinned message, got %d", len(pinned))
	}
	m = message("alice", http.MethodDelete, base+"/pin", nil)
	if m.IsPinned {
		t.Errorf("expected unpinned, got %+v", m)
	}
}

func TestAPI_Presence(t *testing.T) {
	env := setupAPI(t, nil)
	env.presence.Enter("alice", "conn-1")

	var online onlineUsersResponse
	env.do(t, "bob", http.MethodGet, "/api/users/online", nil, &online)
	if len(online.Users) != 1 || online.Users[0] != "alice" {
		t.Fatalf("expected [alice], got %v", online.Users)
	}

	var snap presence.Snapshot
	env.do(t, "bob", http.MethodGet, "/api/users/alice/status", nil, &snap)
	if snap.Status != presence.StatusOnline {
		t.Errorf("expected alice online, got %+v", snap)
	}
	env.do(t, "bob", http.MethodGet, "/api/users/carol/status", nil, &snap)
	if snap.UserID != "carol" || snap.Status != presence.StatusOffline {
		t.Errorf("expected carol offline, got %+v", snap)
	}
}

func TestAPI_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	env := setupAPI(t, ratelimit.NewLimiter(client, zaptest.NewLogger(t)))

	in := matching.ReleaseInput{Zone: matching.ZoneRandom, Content: "again"}
	for i := 0; i < ratelimit.RuleRelease.Limit; i++ {
		if rec := env.do(t, "alice", http.MethodPost, "/api/pigeons", in, nil); rec.Code != http.StatusCreated {
			t.Fatalf("release %d: expected 201, got %d", i, rec.Code)
		}
	}

	var body errorBody
	rec := env.do(t, "alice", http.MethodPost, "/api/pigeons", in, &body)
	if rec.Code != http.StatusTooManyRequests || body.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %+v", rec.Code, body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := env.do(t, "bob", http.MethodPost, "/api/pigeons", in, nil); rec.Code != http.StatusCreated {
		t.Errorf("expected other users unaffected, got %d", rec.Code)
	}
}
