package protocol

import (
	"time"

	"github.com/pigeon/chat-app/internal/chat"
)

// ReactionView is the wire shape of one reaction key.
type ReactionView struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// MessageView is the wire shape of a chat message.
type MessageView struct {
	ID        string                  `json:"id"`
	ChatID    string                  `json:"chatId"`
	Sender    string                  `json:"sender"`
	Text      string                  `json:"text"`
	ReadBy    []string                `json:"readBy"`
	IsRead    bool                    `json:"isRead"`
	Reactions map[string]ReactionView `json:"reactions"`
	IsPinned  bool                    `json:"isPinned"`
	PinnedBy  string                  `json:"pinnedBy,omitempty"`
	PinnedAt  *time.Time              `json:"pinnedAt,omitempty"`
	CreatedAt time.Time               `json:"createdAt"`
}

// NewReactionsView converts the domain reaction map to its wire shape, where
// count always equals the number of users.
func NewReactionsView(r chat.Reactions) map[string]ReactionView {
	out := make(map[string]ReactionView, len(r))
	for key, users := range r {
		out[key] = ReactionView{Users: append([]string{}, users...), Count: len(users)}
	}
	return out
}

// NewMessageView converts a stored message to its wire shape.
func NewMessageView(m chat.Message) MessageView {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Sender:    m.Sender,
		Text:      m.Text,
		ReadBy:    readBy,
		IsRead:    m.IsRead,
		Reactions: NewReactionsView(m.Reactions),
		IsPinned:  m.IsPinned,
		PinnedBy:  m.PinnedBy,
		PinnedAt:  m.PinnedAt,
		CreatedAt: m.CreatedAt,
	}
}

// NewMessageViews converts a slice of messages.
func NewMessageViews(ms []chat.Message) []MessageView {
	out := make([]MessageView, 0, len(ms))
	for _, m := range ms {
		out = append(out, NewMessageView(m))
	}
	return out
}
