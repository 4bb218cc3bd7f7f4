package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/apperr"
)

// Notifier delivers server-originated chat events to a user's personal room.
type Notifier interface {
	ChatDeleted(partnerID, chatID, deletedBy string)
}

type nopNotifier struct{}

func (nopNotifier) ChatDeleted(string, string, string) {}

// Service implements the conversation store operations on top of a
// Repository. Every operation takes an already-verified user id.
type Service struct {
	repo   Repository
	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

// NewService creates a Service. A nil notifier discards notifications.
func NewService(repo Repository, notify Notifier, log *zap.Logger) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, notify: notify, log: log.Named("chat"), now: time.Now}
}

// ListChats returns the chats userID participates in and has not deleted,
// most recent activity first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	chats, err := s.repo.ListChatsFor(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list chats", err)
	}
	return chats, nil
}

// SoftDelete hides chatID from userID only and tells the partner about it.
// Deleting twice is a no-op.
func (s *Service) SoftDelete(ctx context.Context, userID, chatID string) error {
	c, err := s.chatFor(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if c.DeletedFor(userID) {
		return nil
	}
	if err := s.repo.MarkDeleted(ctx, chatID, userID, s.now().UTC()); err != nil {
		return storeErr("delete chat", err)
	}
	s.notify.ChatDeleted(c.Partner(userID), chatID, userID)
	return nil
}

// Restore clears userID's soft delete of chatID.
func (s *Service) Restore(ctx context.Context, userID, chatID string) error {
	if _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return err
	}
	if err := s.repo.Restore(ctx, chatID, userID); err != nil {
		return storeErr("restore chat", err)
	}
	return nil
}

// ListMessages returns the messages of chatID in creation order.
func (s *Service) ListMessages(ctx context.Context, userID, chatID string) ([]Message, error) {
	if _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, apperr.Internal("list messages", err)
	}
	return msgs, nil
}

// Send stores a new message and moves the chat preview. The returned message
// is durable and safe to fan out. Once the insert succeeds Send reports
// success: a stale preview is logged, not returned, so a client retry can't
// duplicate the message.
func (s *Service) Send(ctx context.Context, senderID, chatID, text string) (*Message, error) {
	if err := ValidateMessage(text); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if _, err := s.chatFor(ctx, senderID, chatID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Sender:    senderID,
		Text:      text,
		ReadBy:    []string{senderID},
		Reactions: Reactions{},
		CreatedAt: now,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, storeErr("send message", err)
	}
	if err := s.repo.UpdatePreview(ctx, chatID, text, now); err != nil {
		s.log.Warn("chat preview update failed",
			zap.String("chat", chatID),
			zap.String("message", m.ID),
			zap.Error(err))
	}
	return m, nil
}

// MarkRead marks the given messages of chatID as read by readerID and
// returns the messages that actually changed. Own and already-read messages
// are skipped.
func (s *Service) MarkRead(ctx context.Context, readerID, chatID string, messageIDs []string) ([]Message, error) {
	if _, err := s.chatFor(ctx, readerID, chatID); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return []Message{}, nil
	}
	updated, err := s.repo.MarkRead(ctx, chatID, readerID, messageIDs)
	if err != nil {
		return nil, apperr.Internal("mark read", err)
	}
	if updated == nil {
		updated = []Message{}
	}
	return updated, nil
}

// UnreadCount counts messages sent to userID that userID has not read.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return 0, apperr.Internal("unread count", err)
	}
	return n, nil
}

// ToggleReaction applies the toggle rule for userID on messageID.
func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, key string) (*Message, error) {
	if err := ValidateReaction(key); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if _, err := s.messageFor(ctx, userID, messageID); err != nil {
		return nil, err
	}
	m, err := s.repo.UpdateReactions(ctx, messageID, func(r Reactions) error {
		r.Toggle(userID, key)
		return nil
	})
	if err != nil {
		return nil, storeErr("toggle reaction", err)
	}
	return m, nil
}

// RemoveReaction drops whatever reaction userID holds on messageID.
func (s *Service) RemoveReaction(ctx context.Context, userID, messageID string) (*Message, error) {
	if _, err := s.messageFor(ctx, userID, messageID); err != nil {
		return nil, err
	}
	m, err := s.repo.UpdateReactions(ctx, messageID, func(r Reactions) error {
		r.Remove(userID)
		return nil
	})
	if err != nil {
		return nil, storeErr("remove reaction", err)
	}
	return m, nil
}

// ListReactions returns the reactions of messageID.
func (s *Service) ListReactions(ctx context.Context, userID, messageID string) (Reactions, error) {
	m, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	return m.Reactions, nil
}

// TogglePin pins messageID, or unpins it when already pinned.
func (s *Service) TogglePin(ctx context.Context, userID, messageID string) (*Message, error) {
	m, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	return s.setPinned(ctx, userID, messageID, !m.IsPinned)
}

// Unpin clears the pin of messageID. Unpinning an unpinned message is a no-op.
func (s *Service) Unpin(ctx context.Context, userID, messageID string) (*Message, error) {
	m, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if !m.IsPinned {
		return m, nil
	}
	return s.setPinned(ctx, userID, messageID, false)
}

// ListPinned returns the pinned messages of chatID, most recently pinned first.
func (s *Service) ListPinned(ctx context.Context, userID, chatID string) ([]Message, error) {
	if _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListPinned(ctx, chatID)
	if err != nil {
		return nil, apperr.Internal("list pinned", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

func (s *Service) setPinned(ctx context.Context, userID, messageID string, pinned bool) (*Message, error) {
	m, err := s.repo.SetPinned(ctx, messageID, pinned, userID, s.now().UTC())
	if err != nil {
		return nil, storeErr("pin message", err)
	}
	return m, nil
}

// chatFor loads chatID and checks that userID participates in it.
func (s *Service) chatFor(ctx context.Context, userID, chatID string) (*Chat, error) {
	if chatID == "" {
		return nil, apperr.Validation("chat id is required")
	}
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if !c.IsParticipant(userID) {
		return nil, apperr.Forbidden("not a participant of this chat")
	}
	return c, nil
}

// messageFor loads messageID and checks that userID participates in its chat.
func (s *Service) messageFor(ctx context.Context, userID, messageID string) (*Message, error) {
	if messageID == "" {
		return nil, apperr.Validation("message id is required")
	}
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr("load message", err)
	}
	if _, err := s.chatFor(ctx, userID, m.ChatID); err != nil {
		return nil, err
	}
	return m, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("chat or message not found")
	}
	return apperr.Internal(op, err)
}
