// Package protocol defines the realtime event names and frame structures used
// between client and server. Every frame is a flat JSON object whose "type"
// field carries the event name.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeAuthenticate    = "authenticate"
	TypeEnterChatPage   = "enterChatPage"
	TypeLeaveChatPage   = "leaveChatPage"
	TypeGoAway          = "goAway"
	TypeGoActive        = "goActive"
	TypeJoinChat        = "joinChat"
	TypeLeaveChat       = "leaveChat"
	TypeSendMessage     = "sendMessage"
	TypeMessageReaction = "messageReaction"
	TypeMessagePinned   = "messagePinned"
	TypeMessageUnpinned = "messageUnpinned"
	TypeMarkAsRead      = "markAsRead"
	TypeTyping          = "typing"
	TypeStopTyping      = "stopTyping"
	TypePing            = "ping"
)

// Server -> Client events. These names are part of the wire contract.
const (
	TypeOnlineUsers            = "onlineUsers"
	TypeUserOnline             = "userOnline"
	TypeUserOffline            = "userOffline"
	TypeUserAway               = "userAway"
	TypeUserStatuses           = "userStatuses"
	TypeReceiveMessage         = "receiveMessage"
	TypeNewMessageNotification = "newMessageNotification"
	TypeMessagesRead           = "messagesRead"
	TypeNewChat                = "newChat"
	TypeChatDeleted            = "chatDeleted"
	TypeRateLimited            = "rate_limited"
	TypeError                  = "error"
	TypePong                   = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON frame for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the frame can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the session token issued by the identity gate.
type AuthenticateMsg struct {
	Token string `json:"token"`
}

// SignalMsg is a payload-less presence signal (enterChatPage, leaveChatPage,
// goAway, goActive).
type SignalMsg struct{}

// JoinChatMsg asks to join (or leave) a chat room.
type JoinChatMsg struct {
	ChatID string `json:"chatId"`
}

// SendMessageMsg announces a message that was already stored through the
// REST send operation. Participants is supplied by the client because the
// gateway keeps no chat membership cache.
type SendMessageMsg struct {
	ChatID       string          `json:"chatId"`
	Message      json.RawMessage `json:"message"`
	Participants []string        `json:"participants"`
}

// RelayMsg is a chat-room event relayed unchanged apart from the fields the
// server annotates. Fields holds every key of the client frame.
type RelayMsg struct {
	ChatID string
	Fields map[string]json.RawMessage
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// OnlineUsersMsg lists every user currently present on the chat page.
type OnlineUsersMsg struct {
	Users []string `json:"users"`
}

// UserStatusMsg announces a single user's presence transition.
type UserStatusMsg struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// UserStatusesMsg maps user ids to "online" or "away".
type UserStatusesMsg struct {
	Statuses map[string]string `json:"statuses"`
}

// ReceiveMessageMsg delivers a message to a chat room.
type ReceiveMessageMsg struct {
	ChatID  string          `json:"chatId"`
	Message json.RawMessage `json:"message"`
	From    string          `json:"from"`
}

// NewMessageNotificationMsg tells a participant's personal room that a
// message arrived in one of their chats.
type NewMessageNotificationMsg struct {
	ChatID  string          `json:"chatId"`
	Message json.RawMessage `json:"message"`
	From    string          `json:"from"`
}

// NewChatMsg tells a pigeon's sender that someone caught it.
type NewChatMsg struct {
	ChatID string      `json:"chatId"`
	Chat   interface{} `json:"chat,omitempty"`
}

// ChatDeletedMsg tells a participant that the partner deleted the chat on
// their side.
type ChatDeletedMsg struct {
	ChatID    string `json:"chatId"`
	DeletedBy string `json:"deletedBy"`
}

// RateLimitedMsg is sent when the connection exceeded its event budget.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// RelayTypes lists the client events relayed to a chat room, mapped to the
// event name the room receives.
var RelayTypes = map[string]string{
	TypeMessageReaction: TypeMessageReaction,
	TypeMessagePinned:   TypeMessagePinned,
	TypeMessageUnpinned: TypeMessageUnpinned,
	TypeMarkAsRead:      TypeMessagesRead,
	TypeTyping:          TypeTyping,
	TypeStopTyping:      TypeStopTyping,
}

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the event type, the decoded struct, and any error encountered
// during parsing. Unknown and server-only event types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEnterChatPage, TypeLeaveChatPage, TypeGoAway, TypeGoActive:
		msg = SignalMsg{}
	case TypeJoinChat, TypeLeaveChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID == "" {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID == "" {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		if _, ok := RelayTypes[env.Type]; !ok {
			return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
		}
		var m RelayMsg
		m, err = parseRelay(env.Raw)
		msg = m
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func parseRelay(raw json.RawMessage) (RelayMsg, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RelayMsg{}, err
	}
	var chatID string
	if v, ok := fields["chatId"]; ok {
		if err := json.Unmarshal(v, &chatID); err != nil {
			return RelayMsg{}, fmt.Errorf("chatId: %w", err)
		}
	}
	if chatID == "" {
		return RelayMsg{}, fmt.Errorf("missing chatId")
	}
	delete(fields, "type")
	return RelayMsg{ChatID: chatID, Fields: fields}, nil
}

// NewRelayMessage builds the outbound frame for a relayed event. The
// annotations overwrite client-supplied keys of the same name.
func NewRelayMessage(msgType string, m RelayMsg, annotations map[string]string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Fields)+len(annotations)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	for k, v := range annotations {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q: %w", k, err)
		}
		out[k] = b
	}
	return NewServerMessage(msgType, out)
}

// NewServerMessage creates a JSON-encoded frame for a server event. The
// payload is marshaled to a JSON object and msgType is injected under the
// "type" key. Payload values are carried over byte for byte.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]json.RawMessage{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
