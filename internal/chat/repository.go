package chat

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a chat or message does not exist.
	ErrNotFound = errors.New("chat: not found")

	// ErrDuplicatePair is returned by CreateChat when a chat already exists
	// for the unordered participant pair.
	ErrDuplicatePair = errors.New("chat: participant pair already has a chat")

	// ErrInvalidChat is returned by CreateChat when the chat does not have
	// exactly two participants.
	ErrInvalidChat = errors.New("chat: a chat needs exactly two participants")
)

// Repository is the persistence port of the conversation store. Each method
// is a single-document operation; implementations make UpdateReactions and
// SetPinned atomic per message.
type Repository interface {
	// Chats
	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	FindChatByPair(ctx context.Context, a, b string) (*Chat, error)
	UpdatePreview(ctx context.Context, chatID, text string, at time.Time) error
	ListChatsFor(ctx context.Context, userID string) ([]Chat, error)
	MarkDeleted(ctx context.Context, chatID, userID string, at time.Time) error
	Restore(ctx context.Context, chatID, userID string) error
	PartnersOf(ctx context.Context, userID string) ([]string, error)

	// Messages
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string) ([]Message, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	UpdateReactions(ctx context.Context, messageID string, fn func(Reactions) error) (*Message, error)
	SetPinned(ctx context.Context, messageID string, pinned bool, by string, at time.Time) (*Message, error)
	ListPinned(ctx context.Context, chatID string) ([]Message, error)
}
