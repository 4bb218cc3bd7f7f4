package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Repository. It is used by tests and by the
// STORE=memory development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	byPair   map[string]string // PairKey -> chat id
	messages map[string]*Message
	order    map[string][]string // chat id -> message ids in insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*Chat),
		byPair:   make(map[string]string),
		messages: make(map[string]*Message),
		order:    make(map[string][]string),
	}
}

var _ Repository = (*MemoryStore)(nil)

func (s *MemoryStore) CreateChat(_ context.Context, c *Chat) error {
	if len(c.Participants) != 2 {
		return ErrInvalidChat
	}
	key := PairKey(c.Participants[0], c.Participants[1])

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPair[key]; ok {
		return ErrDuplicatePair
	}
	stored := c.Clone()
	s.chats[c.ID] = &stored
	s.byPair[key] = c.ID
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (s *MemoryStore) FindChatByPair(_ context.Context, a, b string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[PairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.chats[id].Clone()
	return &out, nil
}

func (s *MemoryStore) UpdatePreview(_ context.Context, chatID, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessage = text
	c.LastMessageAt = at
	return nil
}

func (s *MemoryStore) ListChatsFor(_ context.Context, userID string) ([]Chat, error) {
	s.mu.RLock()
	out := make([]Chat, 0)
	for _, c := range s.chats {
		if c.IsParticipant(userID) && !c.DeletedFor(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkDeleted(_ context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if c.DeletedFor(userID) {
		return nil
	}
	c.DeletedBy = append(c.DeletedBy, DeletedEntry{UserID: userID, DeletedAt: at})
	return nil
}

func (s *MemoryStore) Restore(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	kept := c.DeletedBy[:0:0]
	for _, d := range c.DeletedBy {
		if d.UserID != userID {
			kept = append(kept, d)
		}
	}
	c.DeletedBy = kept
	return nil
}

func (s *MemoryStore) PartnersOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, c := range s.chats {
		if p := c.Partner(userID); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return ErrNotFound
	}
	stored := m.Clone()
	if stored.Reactions == nil {
		stored.Reactions = Reactions{}
	}
	s.messages[m.ID] = &stored
	s.order[m.ChatID] = append(s.order[m.ChatID], m.ID)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.Clone()
	return &out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[chatID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, chatID, readerID string, messageIDs []string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated []Message
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID || m.Sender == readerID || m.HasRead(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		m.IsRead = true
		updated = append(updated, m.Clone())
	}
	return updated, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for chatID, ids := range s.order {
		if !s.chats[chatID].IsParticipant(userID) {
			continue
		}
		for _, id := range ids {
			m := s.messages[id]
			if m.Sender != userID && !m.HasRead(userID) {
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateReactions(_ context.Context, messageID string, fn func(Reactions) error) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	next := m.Reactions.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.Reactions = next
	out := m.Clone()
	return &out, nil
}

func (s *MemoryStore) SetPinned(_ context.Context, messageID string, pinned bool, by string, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	m.IsPinned = pinned
	if pinned {
		pinnedAt := at
		m.PinnedBy = by
		m.PinnedAt = &pinnedAt
	} else {
		m.PinnedBy = ""
		m.PinnedAt = nil
	}
	out := m.Clone()
	return &out, nil
}

func (s *MemoryStore) ListPinned(_ context.Context, chatID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, id := range s.order[chatID] {
		if m := s.messages[id]; m.IsPinned {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PinnedAt.After(*out[j].PinnedAt)
	})
	return out, nil
}
