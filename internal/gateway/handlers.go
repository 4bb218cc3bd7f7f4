package gateway

import (
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/apperr"
	"github.com/pigeon/chat-app/internal/protocol"
)

func (g *Gateway) registerHandlers() {
	g.register(protocol.TypeAuthenticate, g.handleAuthenticate)
	g.register(protocol.TypeEnterChatPage, g.handleEnterChatPage)
	g.register(protocol.TypeLeaveChatPage, g.handleLeaveChatPage)
	g.register(protocol.TypeGoAway, g.handleGoAway)
	g.register(protocol.TypeGoActive, g.handleGoActive)
	g.register(protocol.TypeJoinChat, g.handleJoinChat)
	g.register(protocol.TypeLeaveChat, g.handleLeaveChat)
	g.register(protocol.TypeSendMessage, g.handleSendMessage)
	for clientType := range protocol.RelayTypes {
		g.register(clientType, g.relay(clientType))
	}
}

// handleAuthenticate binds the verified user id to the connection and joins
// its personal room and the lobby. A second authenticate is ignored; a bad
// token closes the connection.
func (g *Gateway) handleAuthenticate(s *session, msg interface{}) {
	m := msg.(protocol.AuthenticateMsg)
	if s.user() != "" {
		return
	}

	userID, err := g.gate.Verify(m.Token)
	if err != nil {
		g.log.Info("authentication failed", zap.String("conn", s.peer.ConnID()), zap.Error(err))
		g.sendError(s.peer, "auth_failed", apperr.Message(err))
		s.peer.Close()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.userID != "" {
		return
	}
	s.userID = userID
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	g.rooms.Join(UserRoom(userID), s.peer)
	g.rooms.Join(LobbyRoom, s.peer)

	g.log.Debug("authenticated", zap.String("conn", s.peer.ConnID()), zap.String("user", userID))
}

// withUser runs fn under the session lock while the session is live.
func (g *Gateway) withUser(s *session, fn func(userID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.userID == "" {
		return
	}
	fn(s.userID)
}

func (g *Gateway) handleEnterChatPage(s *session, _ interface{}) {
	if g.presence == nil {
		return
	}
	g.withUser(s, func(userID string) {
		g.presence.Enter(userID, s.peer.ConnID())
	})
}

func (g *Gateway) handleLeaveChatPage(s *session, _ interface{}) {
	if g.presence == nil {
		return
	}
	g.withUser(s, func(userID string) {
		g.presence.Leave(userID, s.peer.ConnID())
	})
}

func (g *Gateway) handleGoAway(s *session, _ interface{}) {
	if g.presence == nil {
		return
	}
	g.withUser(s, g.presence.Away)
}

func (g *Gateway) handleGoActive(s *session, _ interface{}) {
	if g.presence == nil {
		return
	}
	g.withUser(s, g.presence.Active)
}

// handleJoinChat joins the chat room without a membership check. Chat data
// is only reachable through the REST operations, which do check membership.
func (g *Gateway) handleJoinChat(s *session, msg interface{}) {
	m := msg.(protocol.JoinChatMsg)
	g.withUser(s, func(string) {
		g.rooms.Join(ChatRoom(m.ChatID), s.peer)
	})
}

func (g *Gateway) handleLeaveChat(s *session, msg interface{}) {
	m := msg.(protocol.JoinChatMsg)
	g.rooms.Leave(ChatRoom(m.ChatID), s.peer.ConnID())
}

// handleSendMessage fans a stored message out to the chat room, then
// notifies each other participant's personal room.
func (g *Gateway) handleSendMessage(s *session, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	from := s.user()

	g.publish(ChatRoom(m.ChatID), protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ChatID:  m.ChatID,
		Message: m.Message,
		From:    from,
	}, "")

	note := protocol.NewMessageNotificationMsg{ChatID: m.ChatID, Message: m.Message, From: from}
	seen := make(map[string]struct{}, len(m.Participants))
	for _, p := range m.Participants {
		if p == "" || p == from {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		g.publish(UserRoom(p), protocol.TypeNewMessageNotification, note, "")
	}
}

// relay returns the handler for a chat-room relay. The payload is passed on
// unchanged except for the fields taken from the authenticated connection.
func (g *Gateway) relay(clientType string) handlerFunc {
	event := protocol.RelayTypes[clientType]
	return func(s *session, msg interface{}) {
		m := msg.(protocol.RelayMsg)
		userID := s.user()

		annotations := map[string]string{"userId": userID}
		if clientType == protocol.TypeMarkAsRead {
			annotations["readBy"] = userID
		}
		data, err := protocol.NewRelayMessage(event, m, annotations)
		if err != nil {
			g.log.Error("failed to build relay", zap.String("type", event), zap.Error(err))
			return
		}
		g.publishFrame(ChatRoom(m.ChatID), event, data, s.peer.ConnID())
	}
}
