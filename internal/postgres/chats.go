package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/pigeon/chat-app/internal/chat"
)

// ChatStore implements chat.Repository on PostgreSQL.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore creates a ChatStore backed by the given database handle.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

var _ chat.Repository = (*ChatStore)(nil)

const chatColumns = `id, participant_a, participant_b, last_message, last_message_at,
	created_from_pigeon, first_message, pigeon_message, created_at`

const messageColumns = `id, chat_id, sender_id, text, read_by, is_read, reactions,
	is_pinned, pinned_by, pinned_at, created_at`

func scanChat(row rowScanner) (*chat.Chat, error) {
	var (
		c    chat.Chat
		a, b string
	)
	err := row.Scan(&c.ID, &a, &b, &c.LastMessage, &c.LastMessageAt,
		&c.CreatedFromPigeon, &c.FirstMessage, &c.PigeonMessage, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Participants = []string{a, b}
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m         chat.Message
		readBy    pq.StringArray
		reactions []byte
		pinnedAt  sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &readBy, &m.IsRead, &reactions,
		&m.IsPinned, &m.PinnedBy, &pinnedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ReadBy = []string(readBy)
	m.Reactions = chat.Reactions{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	if pinnedAt.Valid {
		at := pinnedAt.Time.UTC()
		m.PinnedAt = &at
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *ChatStore) CreateChat(ctx context.Context, c *chat.Chat) error {
	if len(c.Participants) != 2 {
		return fmt.Errorf("postgres: create chat %s: %w", c.ID, chat.ErrInvalidChat)
	}
	const query = `
		INSERT INTO chats (` + chatColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Participants[0], c.Participants[1], c.LastMessage, c.LastMessageAt,
		c.CreatedFromPigeon, c.FirstMessage, c.PigeonMessage, c.CreatedAt)
	if err != nil {
		if code, constraint := pqCode(err); code == codeUniqueViolation && constraint == "chats_pair_idx" {
			return chat.ErrDuplicatePair
		}
		return fmt.Errorf("postgres: insert chat: %w", err)
	}
	return nil
}

func (s *ChatStore) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID)
	return s.loadOne(ctx, row)
}

func (s *ChatStore) FindChatByPair(ctx context.Context, a, b string) (*chat.Chat, error) {
	const query = `
		SELECT ` + chatColumns + ` FROM chats
		WHERE LEAST(participant_a, participant_b) = LEAST($1::text, $2::text)
		  AND GREATEST(participant_a, participant_b) = GREATEST($1::text, $2::text)`
	return s.loadOne(ctx, s.db.QueryRowContext(ctx, query, a, b))
}

func (s *ChatStore) loadOne(ctx context.Context, row *sql.Row) (*chat.Chat, error) {
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get chat: %w", err)
	}
	deletions, err := s.deletions(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.DeletedBy = deletionsFor(deletions, c.ID)
	return c, nil
}

// deletionsFor never returns nil so chats encode "deletedBy":[].
func deletionsFor(m map[string][]chat.DeletedEntry, chatID string) []chat.DeletedEntry {
	if d := m[chatID]; d != nil {
		return d
	}
	return []chat.DeletedEntry{}
}

// deletions loads the soft-delete entries of the given chats.
func (s *ChatStore) deletions(ctx context.Context, chatIDs []string) (map[string][]chat.DeletedEntry, error) {
	out := make(map[string][]chat.DeletedEntry, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, user_id, deleted_at FROM chat_deletions
		WHERE chat_id = ANY($1) ORDER BY deleted_at`, pq.Array(chatIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: load deletions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chatID string
			d      chat.DeletedEntry
		)
		if err := rows.Scan(&chatID, &d.UserID, &d.DeletedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan deletion: %w", err)
		}
		d.DeletedAt = d.DeletedAt.UTC()
		out[chatID] = append(out[chatID], d)
	}
	return out, rows.Err()
}

func (s *ChatStore) UpdatePreview(ctx context.Context, chatID, text string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET last_message = $2, last_message_at = $3 WHERE id = $1`, chatID, text, at)
	if err != nil {
		return fmt.Errorf("postgres: update preview: %w", err)
	}
	return requireRow(res)
}

func (s *ChatStore) ListChatsFor(ctx context.Context, userID string) ([]chat.Chat, error) {
	const query = `
		SELECT ` + chatColumns + ` FROM chats c
		WHERE (participant_a = $1 OR participant_b = $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM chat_deletions d WHERE d.chat_id = c.id AND d.user_id = $1)
		ORDER BY last_message_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Chat, 0)
	var ids []string
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan chat: %w", err)
		}
		out = append(out, *c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}

	deletions, err := s.deletions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DeletedBy = deletionsFor(deletions, out[i].ID)
	}
	return out, nil
}

func (s *ChatStore) MarkDeleted(ctx context.Context, chatID, userID string, at time.Time) error {
	if err := s.chatExists(ctx, chatID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_deletions (chat_id, user_id, deleted_at) VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id) DO NOTHING`, chatID, userID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark deleted: %w", err)
	}
	return nil
}

func (s *ChatStore) Restore(ctx context.Context, chatID, userID string) error {
	if err := s.chatExists(ctx, chatID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_deletions WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("postgres: restore: %w", err)
	}
	return nil
}

func (s *ChatStore) chatExists(ctx context.Context, chatID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = $1`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lookup chat: %w", err)
	}
	return nil
}

func (s *ChatStore) PartnersOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN participant_a = $1 THEN participant_b ELSE participant_a END
		FROM chats WHERE participant_a = $1 OR participant_b = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: partners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan partner: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *ChatStore) InsertMessage(ctx context.Context, m *chat.Message) error {
	reactions := m.Reactions
	if reactions == nil {
		reactions = chat.Reactions{}
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("postgres: marshal reactions: %w", err)
	}

	const query = `
		INSERT INTO messages (id, chat_id, sender_id, text, read_by, is_read, reactions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.Sender, m.Text, pq.Array(m.ReadBy), m.IsRead, reactionsJSON, m.CreatedAt)
	if err != nil {
		if code, _ := pqCode(err); code == codeForeignKeyViolation {
			return chat.ErrNotFound
		}
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

func (s *ChatStore) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 ORDER BY seq`, chatID)
}

func (s *ChatStore) ListPinned(ctx context.Context, chatID string) ([]chat.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1 AND is_pinned
		ORDER BY pinned_at DESC, seq`, chatID)
}

func (s *ChatStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	return out, nil
}

// MarkRead appends readerID to read_by of every listed message in chatID
// that readerID did not send and has not read. The guard in the WHERE clause
// makes the update idempotent under concurrent calls.
func (s *ChatStore) MarkRead(ctx context.Context, chatID, readerID string, messageIDs []string) ([]chat.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	updated, err := s.queryMessages(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $2), is_read = TRUE
		WHERE chat_id = $1 AND id = ANY($3)
		  AND sender_id <> $2 AND NOT ($2 = ANY(read_by))
		RETURNING `+messageColumns, chatID, readerID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int, len(messageIDs))
	for i, id := range messageIDs {
		if _, seen := pos[id]; !seen {
			pos[id] = i
		}
	}
	sort.SliceStable(updated, func(i, j int) bool { return pos[updated[i].ID] < pos[updated[j].ID] })
	return updated, nil
}

func (s *ChatStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE (c.participant_a = $1 OR c.participant_b = $1)
		  AND m.sender_id <> $1
		  AND NOT ($1 = ANY(m.read_by))`

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: unread count: %w", err)
	}
	return n, nil
}

// UpdateReactions applies fn to the message's reactions under a row lock.
func (s *ChatStore) UpdateReactions(ctx context.Context, messageID string, fn func(chat.Reactions) error) (*chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT reactions FROM messages WHERE id = $1 FOR UPDATE`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock message: %w", err)
	}

	reactions := chat.Reactions{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return nil, fmt.Errorf("postgres: decode reactions: %w", err)
		}
	}
	if err := fn(reactions); err != nil {
		return nil, err
	}
	next, err := json.Marshal(reactions)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal reactions: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE messages SET reactions = $2 WHERE id = $1 RETURNING `+messageColumns, messageID, next)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return m, nil
}

func (s *ChatStore) SetPinned(ctx context.Context, messageID string, pinned bool, by string, at time.Time) (*chat.Message, error) {
	var (
		pinnedBy string
		pinnedAt sql.NullTime
	)
	if pinned {
		pinnedBy = by
		pinnedAt = sql.NullTime{Time: at, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET is_pinned = $2, pinned_by = $3, pinned_at = $4
		WHERE id = $1 RETURNING `+messageColumns, messageID, pinned, pinnedBy, pinnedAt)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: set pinned: %w", err)
	}
	return m, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
