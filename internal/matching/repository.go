package matching

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("matching: pigeon not found")
	ErrExpired   = errors.New("matching: pigeon expired")
	ErrOwnPigeon = errors.New("matching: cannot catch own pigeon")
)

// Repository stores catchable pigeons.
type Repository interface {
	Insert(ctx context.Context, p *Pigeon) error

	// Claim atomically removes pigeon id for catcherID. It fails with
	// ErrNotFound if the pigeon is absent (or was claimed concurrently),
	// ErrExpired if its lifetime has passed at now, and ErrOwnPigeon if
	// catcherID sent it. Only one concurrent caller can succeed.
	Claim(ctx context.Context, id, catcherID string, now time.Time) (*Pigeon, error)

	// ListCatchable returns up to limit unexpired pigeons not sent by viewerID
	// that pass f, newest first.
	ListCatchable(ctx context.Context, viewerID string, f Filter, now time.Time, limit int) ([]Pigeon, error)

	// PurgeExpired deletes pigeons expired at now and returns how many.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
