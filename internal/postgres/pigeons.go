package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pigeon/chat-app/internal/matching"
)

// PigeonStore implements matching.Repository on PostgreSQL.
type PigeonStore struct {
	db *sql.DB
}

// NewPigeonStore creates a PigeonStore backed by the given database handle.
func NewPigeonStore(db *sql.DB) *PigeonStore {
	return &PigeonStore{db: db}
}

var _ matching.Repository = (*PigeonStore)(nil)

const pigeonColumns = `id, sender_id, zone, country_code, district_code, color, content,
	status, created_at, expires_at`

func scanPigeon(row rowScanner) (*matching.Pigeon, error) {
	var p matching.Pigeon
	err := row.Scan(&p.ID, &p.SenderID, &p.Zone, &p.CountryCode, &p.DistrictCode, &p.Color,
		&p.Content, &p.Status, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

func (s *PigeonStore) Insert(ctx context.Context, p *matching.Pigeon) error {
	const query = `
		INSERT INTO pigeons (` + pigeonColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SenderID, p.Zone, p.CountryCode, p.DistrictCode, p.Color,
		p.Content, p.Status, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: insert pigeon: %w", err)
	}
	return nil
}

// Claim deletes the pigeon in one conditional statement, so only one
// concurrent catcher gets the row back. A miss is classified afterwards.
func (s *PigeonStore) Claim(ctx context.Context, id, catcherID string, now time.Time) (*matching.Pigeon, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM pigeons
		WHERE id = $1 AND sender_id <> $2 AND expires_at > $3
		RETURNING `+pigeonColumns, id, catcherID, now)
	p, err := scanPigeon(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: claim pigeon: %w", err)
	}

	var (
		senderID  string
		expiresAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT sender_id, expires_at FROM pigeons WHERE id = $1`, id).Scan(&senderID, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, matching.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("postgres: classify claim: %w", err)
	case !now.Before(expiresAt):
		return nil, matching.ErrExpired
	case senderID == catcherID:
		return nil, matching.ErrOwnPigeon
	default:
		// Re-released between the two statements; treat as gone.
		return nil, matching.ErrNotFound
	}
}

// ListCatchable applies the zone and location filter in SQL. A local pigeon
// needs a viewer in the same country, and in the same district when both
// sides declare one.
func (s *PigeonStore) ListCatchable(ctx context.Context, viewerID string, f matching.Filter, now time.Time, limit int) ([]matching.Pigeon, error) {
	zone := ""
	if f.Narrows() {
		zone = string(f.Zone)
	}
	if limit <= 0 {
		limit = matching.ListLimit
	}

	const query = `
		SELECT ` + pigeonColumns + ` FROM pigeons
		WHERE status = 'catchable'
		  AND expires_at > $1
		  AND sender_id <> $2
		  AND ($3 = '' OR zone = $3)
		  AND (zone <> 'local' OR (
		      $4 <> '' AND country_code = $4
		      AND (district_code = '' OR $5 = '' OR district_code = $5)))
		ORDER BY created_at DESC, id
		LIMIT $6`

	rows, err := s.db.QueryContext(ctx, query, now, viewerID, zone, f.CountryCode, f.DistrictCode, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pigeons: %w", err)
	}
	defer rows.Close()

	out := make([]matching.Pigeon, 0)
	for rows.Next() {
		p, err := scanPigeon(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pigeon: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pigeons: %w", err)
	}
	return out, nil
}

func (s *PigeonStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pigeons WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge pigeons: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return int(n), nil
}
