// Package chat is the conversation store: two-party chats created by the
// matchmaker, their messages, per-user soft delete, unread accounting,
// reactions and pinning.
package chat

import (
	"time"
)

// DeletedEntry records one participant's soft delete of a chat.
type DeletedEntry struct {
	UserID    string    `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Chat is a persistent two-party conversation.
type Chat struct {
	ID                string         `json:"id"`
	Participants      []string       `json:"participants"` // exactly two, creation order
	LastMessage       string         `json:"lastMessage"`
	LastMessageAt     time.Time      `json:"lastMessageAt"`
	CreatedFromPigeon string         `json:"createdFromPigeon,omitempty"`
	FirstMessage      string         `json:"firstMessage,omitempty"`
	PigeonMessage     string         `json:"pigeonMessage,omitempty"`
	DeletedBy         []DeletedEntry `json:"deletedBy"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// IsParticipant reports whether userID is one of the two participants.
func (c *Chat) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Partner returns the other participant, or "" if userID is not a participant.
func (c *Chat) Partner(userID string) string {
	if len(c.Participants) != 2 {
		return ""
	}
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// DeletedFor reports whether userID has soft-deleted this chat.
func (c *Chat) DeletedFor(userID string) bool {
	for _, d := range c.DeletedBy {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

// PairKey returns the order-insensitive identity of a participant pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Message is one chat message. Text is immutable after creation; only
// ReadBy, Reactions and pin state change.
type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Text      string
	ReadBy    []string
	IsRead    bool
	Reactions Reactions
	IsPinned  bool
	PinnedBy  string
	PinnedAt  *time.Time
	CreatedAt time.Time
}

// HasRead reports whether userID is in ReadBy.
func (m *Message) HasRead(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate store state.
func (m Message) Clone() Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	out.Reactions = m.Reactions.Clone()
	if m.PinnedAt != nil {
		at := *m.PinnedAt
		out.PinnedAt = &at
	}
	return out
}

// Clone returns a deep copy of the chat.
func (c Chat) Clone() Chat {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.DeletedBy = append([]DeletedEntry{}, c.DeletedBy...)
	return out
}
