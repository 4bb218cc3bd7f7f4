package matching

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/apperr"
	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/metrics"
)

// Service releases, lists and catches pigeons.
type Service struct {
	pigeons Repository
	chats   chat.Repository
	notify  Notifier
	log     *zap.Logger
	now     func() time.Time
}

// NewService creates a matching service. A nil notifier discards events.
func NewService(pigeons Repository, chats chat.Repository, notify Notifier, log *zap.Logger) *Service {
	if notify == nil {
		notify = nopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pigeons: pigeons,
		chats:   chats,
		notify:  notify,
		log:     log.Named("matcher"),
		now:     time.Now,
	}
}

// Release stores a new catchable pigeon from senderID.
func (s *Service) Release(ctx context.Context, senderID string, in ReleaseInput) (*Pigeon, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("content is required")
	}
	if !utf8.ValidString(content) {
		return nil, apperr.Validation("content contains invalid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return nil, apperr.Validation("content is too long")
	}

	zone := Zone(strings.ToLower(strings.TrimSpace(string(in.Zone))))
	if zone == "" {
		zone = ZoneRandom
	}
	if !validZone(zone) {
		return nil, apperr.Validation("zone must be local, international or random")
	}
	color := Color(strings.ToLower(strings.TrimSpace(string(in.Color))))
	if color == "" {
		color = ColorWhite
	}
	if !validColor(color) {
		return nil, apperr.Validation("color must be black, white or brown")
	}
	country := normalizeCode(in.CountryCode)
	if zone == ZoneLocal && country == "" {
		return nil, apperr.Validation("countryCode is required for local pigeons")
	}

	now := s.now().UTC()
	p := &Pigeon{
		ID:           uuid.New().String(),
		SenderID:     senderID,
		Zone:         zone,
		CountryCode:  country,
		DistrictCode: normalizeCode(in.DistrictCode),
		Color:        color,
		Content:      content,
		Status:       StatusCatchable,
		CreatedAt:    now,
		ExpiresAt:    now.Add(PigeonTTL),
	}
	if err := s.pigeons.Insert(ctx, p); err != nil {
		return nil, apperr.Internal("release pigeon", err)
	}
	metrics.PigeonsTotal.WithLabelValues("released").Inc()
	s.log.Debug("pigeon released", zap.String("pigeon", p.ID), zap.String("zone", string(zone)))
	return p, nil
}

// ListCatchable returns at most ListLimit pigeons viewerID may catch under f.
// Senders the viewer already shares any chat with are left out, whether or
// not the viewer deleted that chat.
func (s *Service) ListCatchable(ctx context.Context, viewerID string, f Filter) ([]Pigeon, error) {
	f = f.Normalize()
	if f.Zone != "" && !validZone(f.Zone) {
		return nil, apperr.Validation("zone must be local, international or random")
	}

	candidates, err := s.pigeons.ListCatchable(ctx, viewerID, f, s.now().UTC(), fetchLimit)
	if err != nil {
		return nil, apperr.Internal("list pigeons", err)
	}
	partners, err := s.chats.PartnersOf(ctx, viewerID)
	if err != nil {
		return nil, apperr.Internal("list chat partners", err)
	}
	known := make(map[string]struct{}, len(partners))
	for _, p := range partners {
		known[p] = struct{}{}
	}

	out := make([]Pigeon, 0, ListLimit)
	for _, p := range candidates {
		if _, ok := known[p.SenderID]; ok {
			continue
		}
		out = append(out, p.Summary())
		if len(out) == ListLimit {
			break
		}
	}
	return out, nil
}

// Catch claims pigeonID for catcherID and binds it to the chat between the
// catcher and the sender, creating that chat on the first catch. The pigeon
// is gone once Catch succeeds. Concurrent catchers of the same pigeon get
// exactly one success; the others see NotFound.
func (s *Service) Catch(ctx context.Context, catcherID, pigeonID string) (*CatchResult, error) {
	if pigeonID == "" {
		return nil, apperr.Validation("pigeon id is required")
	}
	now := s.now().UTC()

	p, err := s.pigeons.Claim(ctx, pigeonID, catcherID, now)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, apperr.NotFound("pigeon not found")
	case errors.Is(err, ErrExpired):
		return nil, apperr.Expired("pigeon has expired")
	case errors.Is(err, ErrOwnPigeon):
		return nil, apperr.Forbidden("cannot catch your own pigeon")
	case err != nil:
		return nil, apperr.Internal("claim pigeon", err)
	}

	c, isNew, err := s.bindChat(ctx, catcherID, p, now)
	if err != nil {
		// Put the pigeon back so a failed catch loses nothing.
		if rerr := s.pigeons.Insert(ctx, p); rerr != nil {
			s.log.Error("restore pigeon after failed catch",
				zap.String("pigeon", p.ID), zap.Error(rerr))
		}
		return nil, apperr.Internal("catch pigeon", err)
	}

	metrics.PigeonsTotal.WithLabelValues("caught").Inc()
	if isNew {
		metrics.ChatsCreated.Inc()
		s.notify.NewChat(p.SenderID, *c)
	}
	s.log.Info("pigeon caught",
		zap.String("pigeon", p.ID),
		zap.String("chat", c.ID),
		zap.Bool("new_chat", isNew))
	return &CatchResult{ChatID: c.ID, IsNewChat: isNew}, nil
}

// bindChat reuses the chat for the catcher/sender pair or creates it.
func (s *Service) bindChat(ctx context.Context, catcherID string, p *Pigeon, now time.Time) (*chat.Chat, bool, error) {
	snapshot := Snapshot(p.Content)

	existing, err := s.chats.FindChatByPair(ctx, catcherID, p.SenderID)
	if err == nil {
		return s.reuse(ctx, existing, snapshot, now)
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, false, err
	}

	c := &chat.Chat{
		ID:                uuid.New().String(),
		Participants:      []string{catcherID, p.SenderID},
		LastMessage:       snapshot,
		LastMessageAt:     now,
		CreatedFromPigeon: p.ID,
		FirstMessage:      p.Content,
		PigeonMessage:     p.Content,
		DeletedBy:         []chat.DeletedEntry{},
		CreatedAt:         now,
	}
	err = s.chats.CreateChat(ctx, c)
	if errors.Is(err, chat.ErrDuplicatePair) {
		// Lost a creation race for the same pair; join the winner's chat.
		existing, err = s.chats.FindChatByPair(ctx, catcherID, p.SenderID)
		if err != nil {
			return nil, false, err
		}
		return s.reuse(ctx, existing, snapshot, now)
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Service) reuse(ctx context.Context, c *chat.Chat, snapshot string, now time.Time) (*chat.Chat, bool, error) {
	if err := s.chats.UpdatePreview(ctx, c.ID, snapshot, now); err != nil {
		return nil, false, err
	}
	c.LastMessage = snapshot
	c.LastMessageAt = now
	return c, false, nil
}
