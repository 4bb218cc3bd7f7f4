package matching

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process pigeon Repository.
type MemoryStore struct {
	mu      sync.Mutex
	pigeons map[string]Pigeon
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pigeons: make(map[string]Pigeon)}
}

var _ Repository = (*MemoryStore)(nil)

func (s *MemoryStore) Insert(_ context.Context, p *Pigeon) error {
	s.mu.Lock()
	s.pigeons[p.ID] = *p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, id, catcherID string, now time.Time) (*Pigeon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pigeons[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Expired(now) {
		return nil, ErrExpired
	}
	if p.SenderID == catcherID {
		return nil, ErrOwnPigeon
	}
	delete(s.pigeons, id)
	return &p, nil
}

func (s *MemoryStore) ListCatchable(_ context.Context, viewerID string, f Filter, now time.Time, limit int) ([]Pigeon, error) {
	s.mu.Lock()
	out := make([]Pigeon, 0)
	for _, p := range s.pigeons {
		if p.Status != StatusCatchable || p.Expired(now) || p.SenderID == viewerID {
			continue
		}
		if !f.Matches(&p) {
			continue
		}
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return lessPigeon(&out[i], &out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pigeons {
		if p.Expired(now) {
			delete(s.pigeons, id)
			n++
		}
	}
	return n, nil
}
