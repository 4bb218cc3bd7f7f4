package matching

import "github.com/pigeon/chat-app/internal/chat"

// CatchResult is returned to the catcher.
type CatchResult struct {
	ChatID    string `json:"chatId"`
	IsNewChat bool   `json:"isNewChat"`
}

// Notifier delivers matchmaker events to a user's personal room. The gateway
// implements it; publishing must not block.
type Notifier interface {
	NewChat(recipientID string, c chat.Chat)
}

type nopNotifier struct{}

func (nopNotifier) NewChat(string, chat.Chat) {}
