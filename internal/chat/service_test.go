package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pigeon/chat-app/internal/apperr"
)

type deletedNote struct {
	partner, chatID, by string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []deletedNote
}

func (n *recordingNotifier) ChatDeleted(partnerID, chatID, deletedBy string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, deletedNote{partnerID, chatID, deletedBy})
}

// setupService returns a Service over a MemoryStore seeded with one chat
// between alice and bob.
func setupService(t *testing.T) (*Service, *MemoryStore, *recordingNotifier, context.Context) {
	t.Helper()
	store := NewMemoryStore()
	notes := &recordingNotifier{}
	svc := NewService(store, notes, zaptest.NewLogger(t))

	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.CreateChat(ctx, &Chat{
		ID:            "chat-1",
		Participants:  []string{"bob", "alice"},
		LastMessage:   "hello",
		LastMessageAt: now,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return svc, store, notes, ctx
}

func TestSendThenList(t *testing.T) {
	svc, store, _, ctx := setupService(t)

	m, err := svc.Send(ctx, "alice", "chat-1", "hi bob")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if len(m.ReadBy) != 1 || m.ReadBy[0] != "alice" {
		t.Errorf("expected readBy=[alice], got %v", m.ReadBy)
	}
	if m.IsRead {
		t.Error("a fresh message must not be read")
	}

	msgs, err := svc.ListMessages(ctx, "bob", "chat-1")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Text != "hi bob" {
		t.Fatalf("expected the sent message back, got %+v", msgs)
	}

	c, _ := store.GetChat(ctx, "chat-1")
	if c.LastMessage != "hi bob" {
		t.Errorf("expected preview to move, got %q", c.LastMessage)
	}
}

func TestSend_Rejects(t *testing.T) {
	svc, _, _, ctx := setupService(t)

	tests := []struct {
		name   string
		sender string
		chatID string
		text   string
		kind   apperr.Kind
	}{
		{"empty text", "alice", "chat-1", "", apperr.KindValidation},
		{"invalid utf8", "alice", "chat-1", string([]byte{0xff, 0xfe}), apperr.KindValidation},
		{"unknown chat", "alice", "chat-x", "hi", apperr.KindNotFound},
		{"outsider", "mallory", "chat-1", "hi", apperr.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Send(ctx, tt.sender, tt.chatID, tt.text)
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("expected %s error, got %v", tt.kind, err)
			}
		})
	}
}

func TestMarkRead_UnreadAccounting(t *testing.T) {
	svc, _, _, ctx := setupService(t)

	m, err := svc.Send(ctx, "alice", "chat-1", "ping")
	if err != nil {
		t.Fatal(err)
	}

	bobBefore, _ := svc.UnreadCount(ctx, "bob")
	aliceBefore, _ := svc.UnreadCount(ctx, "alice")
	if bobBefore != 1 || aliceBefore != 0 {
		t.Fatalf("expected bob=1 alice=0 unread, got bob=%d alice=%d", bobBefore, aliceBefore)
	}

	updated, err := svc.MarkRead(ctx, "bob", "chat-1", []string{m.ID})
	if err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if len(updated) != 1 || !updated[0].IsRead || !updated[0].HasRead("bob") {
		t.Fatalf("expected one updated message read by bob, got %+v", updated)
	}

	bobAfter, _ := svc.UnreadCount(ctx, "bob")
	aliceAfter, _ := svc.UnreadCount(ctx, "alice")
	if bobAfter != bobBefore-1 {
		t.Errorf("expected bob unread to drop by 1, got %d -> %d", bobBefore, bobAfter)
	}
	if aliceAfter > aliceBefore {
		t.Errorf("sender unread must not increase, got %d -> %d", aliceBefore, aliceAfter)
	}

	// Second mark is a no-op, not an error.
	again, err := svc.MarkRead(ctx, "bob", "chat-1", []string{m.ID})
	if err != nil {
		t.Fatalf("repeat MarkRead() error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no updates on repeat, got %d", len(again))
	}

	// Sender marking its own message changes nothing.
	own, _ := svc.MarkRead(ctx, "alice", "chat-1", []string{m.ID})
	if len(own) != 0 {
		t.Errorf("expected own message to be skipped, got %d", len(own))
	}
}

func TestSoftDelete_IsPerUser(t *testing.T) {
	svc, _, notes, ctx := setupService(t)

	if err := svc.SoftDelete(ctx, "alice", "chat-1"); err != nil {
		t.Fatalf("SoftDelete() error: %v", err)
	}

	aliceChats, _ := svc.ListChats(ctx, "alice")
	bobChats, _ := svc.ListChats(ctx, "bob")
	if len(aliceChats) != 0 {
		t.Errorf("expected chat hidden for alice, got %d", len(aliceChats))
	}
	if len(bobChats) != 1 {
		t.Errorf("expected chat still visible for bob, got %d", len(bobChats))
	}

	if len(notes.notes) != 1 || notes.notes[0] != (deletedNote{"bob", "chat-1", "alice"}) {
		t.Fatalf("expected one chatDeleted note to bob, got %+v", notes.notes)
	}

	// Idempotent: no second entry, no second note.
	if err := svc.SoftDelete(ctx, "alice", "chat-1"); err != nil {
		t.Fatal(err)
	}
	if len(notes.notes) != 1 {
		t.Errorf("expected no extra note, got %d", len(notes.notes))
	}

	if err := svc.SoftDelete(ctx, "mallory", "chat-1"); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for outsider, got %v", err)
	}

	if err := svc.Restore(ctx, "alice", "chat-1"); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	aliceChats, _ = svc.ListChats(ctx, "alice")
	if len(aliceChats) != 1 {
		t.Errorf("expected chat back after restore, got %d", len(aliceChats))
	}
}

func TestListChats_Order(t *testing.T) {
	svc, store, _, ctx := setupService(t)

	old := time.Now().Add(-time.Hour).UTC()
	store.CreateChat(ctx, &Chat{ID: "chat-0", Participants: []string{"alice", "carol"}, LastMessageAt: old, CreatedAt: old})

	chats, err := svc.ListChats(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ID != "chat-1" || chats[1].ID != "chat-0" {
		t.Fatalf("expected [chat-1 chat-0], got %+v", chats)
	}
}

func TestToggleReaction(t *testing.T) {
	svc, _, _, ctx := setupService(t)
	m, _ := svc.Send(ctx, "alice", "chat-1", "react to me")

	got, err := svc.ToggleReaction(ctx, "bob", m.ID, "👍")
	if err != nil {
		t.Fatalf("ToggleReaction() error: %v", err)
	}
	if got.Reactions.Count("👍") != 1 {
		t.Fatalf("expected 1 thumbs up, got %v", got.Reactions)
	}

	// Switching moves the user.
	got, _ = svc.ToggleReaction(ctx, "bob", m.ID, "❤️")
	if got.Reactions.Count("👍") != 0 || got.Reactions.Count("❤️") != 1 {
		t.Fatalf("expected reaction to move, got %v", got.Reactions)
	}

	// Same key again removes it.
	got, _ = svc.ToggleReaction(ctx, "bob", m.ID, "❤️")
	if len(got.Reactions) != 0 {
		t.Fatalf("expected no reactions after double toggle, got %v", got.Reactions)
	}

	svc.ToggleReaction(ctx, "alice", m.ID, "😂")
	got, err = svc.RemoveReaction(ctx, "alice", m.ID)
	if err != nil || len(got.Reactions) != 0 {
		t.Fatalf("expected RemoveReaction to clear, got %v err=%v", got.Reactions, err)
	}

	if _, err := svc.ToggleReaction(ctx, "mallory", m.ID, "👍"); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for outsider, got %v", err)
	}
	if _, err := svc.ToggleReaction(ctx, "bob", "missing", "👍"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPinning(t *testing.T) {
	svc, _, _, ctx := setupService(t)
	first, _ := svc.Send(ctx, "alice", "chat-1", "first")
	second, _ := svc.Send(ctx, "bob", "chat-1", "second")

	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	p, err := svc.TogglePin(ctx, "bob", first.ID)
	if err != nil || !p.IsPinned || p.PinnedBy != "bob" || p.PinnedAt == nil {
		t.Fatalf("expected pinned by bob, got %+v err=%v", p, err)
	}
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	svc.TogglePin(ctx, "alice", second.ID)

	pinned, err := svc.ListPinned(ctx, "alice", "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pinned) != 2 || pinned[0].ID != second.ID {
		t.Fatalf("expected most recent pin first, got %+v", pinned)
	}

	p, _ = svc.TogglePin(ctx, "bob", first.ID)
	if p.IsPinned || p.PinnedAt != nil {
		t.Fatalf("expected toggle to unpin, got %+v", p)
	}

	p, err = svc.Unpin(ctx, "alice", second.ID)
	if err != nil || p.IsPinned {
		t.Fatalf("expected unpinned, got %+v err=%v", p, err)
	}
	pinned, _ = svc.ListPinned(ctx, "alice", "chat-1")
	if len(pinned) != 0 {
		t.Errorf("expected no pinned messages, got %d", len(pinned))
	}
}

func TestCreateChat_DuplicatePair(t *testing.T) {
	_, store, _, ctx := setupService(t)
	err := store.CreateChat(ctx, &Chat{ID: "chat-2", Participants: []string{"alice", "bob"}})
	if err != ErrDuplicatePair {
		t.Fatalf("expected ErrDuplicatePair, got %v", err)
	}
}

func TestCreateChat_NeedsTwoParticipants(t *testing.T) {
	_, store, _, ctx := setupService(t)
	err := store.CreateChat(ctx, &Chat{ID: "chat-3", Participants: []string{"alice"}})
	if !errors.Is(err, ErrInvalidChat) {
		t.Fatalf("expected ErrInvalidChat, got %v", err)
	}
	if apperr.Is(storeErr("create chat", err), apperr.KindNotFound) {
		t.Error("an invalid chat must not map to not found")
	}
}

func TestListChats_EncodesEmptyDeletedBy(t *testing.T) {
	svc, _, _, ctx := setupService(t)

	chats, err := svc.ListChats(ctx, "alice")
	if err != nil {
		t.Fatalf("ListChats() error: %v", err)
	}
	data, err := json.Marshal(chats)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"deletedBy":[]`) {
		t.Errorf("expected an empty deletedBy array, got %s", data)
	}
}

// previewFailingStore stores messages but can't move the chat preview.
type previewFailingStore struct {
	*MemoryStore
}

func (previewFailingStore) UpdatePreview(context.Context, string, string, time.Time) error {
	return errors.New("preview unavailable")
}

func TestSend_StoredDespitePreviewFailure(t *testing.T) {
	_, store, _, ctx := setupService(t)
	svc := NewService(previewFailingStore{store}, nil, zaptest.NewLogger(t))

	m, err := svc.Send(ctx, "alice", "chat-1", "still delivered")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if m == nil || m.Text != "still delivered" {
		t.Fatalf("expected the stored message back, got %+v", m)
	}

	msgs, err := store.ListMessages(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Errorf("expected exactly one stored message, got %d", len(msgs))
	}
}
