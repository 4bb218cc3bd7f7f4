package gateway

import (
	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/protocol"
)

// Broadcast sends a presence event to every authenticated connection except
// exceptConn. It implements presence.Broadcaster.
func (g *Gateway) Broadcast(event string, payload interface{}, exceptConn string) {
	g.publish(LobbyRoom, event, payload, exceptConn)
}

// Send delivers an event to a single local connection. It implements
// presence.Broadcaster.
func (g *Gateway) Send(connID, event string, payload interface{}) {
	s := g.session(connID)
	if s == nil {
		return
	}
	g.send(s.peer, event, payload)
}

// ChatDeleted tells partnerID that the other participant deleted chatID. It
// implements chat.Notifier.
func (g *Gateway) ChatDeleted(partnerID, chatID, deletedBy string) {
	g.publish(UserRoom(partnerID), protocol.TypeChatDeleted,
		protocol.ChatDeletedMsg{ChatID: chatID, DeletedBy: deletedBy}, "")
}

// NewChat tells recipientID that their pigeon was caught. It implements
// matching.Notifier.
func (g *Gateway) NewChat(recipientID string, c chat.Chat) {
	g.publish(UserRoom(recipientID), protocol.TypeNewChat,
		protocol.NewChatMsg{ChatID: c.ID, Chat: c}, "")
}
