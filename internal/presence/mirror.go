package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/metrics"
)

const (
	// StatusPrefix is the Redis key prefix for per-user status hashes.
	StatusPrefix = "status:"

	// StatusTTL bounds how long a last-seen record survives without updates.
	StatusTTL = 30 * 24 * time.Hour

	mirrorQueueSize    = 1024
	mirrorWriteTimeout = 2 * time.Second
)

// Record is the durable last-known presence of a user.
type Record struct {
	UserID    string
	Status    Status
	LastSeen  time.Time
	UpdatedAt time.Time
}

// Mirror persists presence records. Writes are best effort.
type Mirror interface {
	Save(ctx context.Context, rec Record) error
	// Load returns nil, nil when no record exists.
	Load(ctx context.Context, userID string) (*Record, error)
}

// statusHash is the Redis layout of a Record.
type statusHash struct {
	UserID    string `redis:"user_id"`
	Status    string `redis:"status"`
	LastSeen  int64  `redis:"last_seen"`  // unix timestamp
	UpdatedAt int64  `redis:"updated_at"` // unix timestamp
}

// RedisMirror stores one hash per user under status:<userId>.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// Save upserts the record and refreshes its TTL.
func (m *RedisMirror) Save(ctx context.Context, rec Record) error {
	key := StatusPrefix + rec.UserID
	fields := map[string]interface{}{
		"user_id":    rec.UserID,
		"status":     string(rec.Status),
		"updated_at": rec.UpdatedAt.Unix(),
	}
	// Last seen only moves when the user leaves.
	if rec.Status == StatusOffline {
		fields["last_seen"] = rec.LastSeen.Unix()
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, StatusTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Load reads the record for userID.
func (m *RedisMirror) Load(ctx context.Context, userID string) (*Record, error) {
	var h statusHash
	if err := m.client.HGetAll(ctx, StatusPrefix+userID).Scan(&h); err != nil {
		return nil, err
	}
	if h.UserID == "" {
		return nil, nil
	}
	rec := &Record{
		UserID:    h.UserID,
		Status:    Status(h.Status),
		UpdatedAt: time.Unix(h.UpdatedAt, 0).UTC(),
	}
	if h.LastSeen > 0 {
		rec.LastSeen = time.Unix(h.LastSeen, 0).UTC()
	}
	return rec, nil
}

// mirrorWriter serializes mirror writes on one goroutine so records for a
// user land in transition order without blocking the registry.
type mirrorWriter struct {
	m     Mirror
	log   *zap.Logger
	queue chan Record
	done  chan struct{}
	once  sync.Once
}

func newMirrorWriter(m Mirror, log *zap.Logger) *mirrorWriter {
	w := &mirrorWriter{
		m:     m,
		log:   log,
		queue: make(chan Record, mirrorQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *mirrorWriter) enqueue(rec Record) {
	select {
	case w.queue <- rec:
	default:
		metrics.MirrorErrors.Inc()
		w.log.Warn("presence mirror queue full, dropping write", zap.String("user", rec.UserID))
	}
}

func (w *mirrorWriter) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		if err := w.m.Save(ctx, rec); err != nil {
			metrics.MirrorErrors.Inc()
			w.log.Warn("presence mirror write failed",
				zap.String("user", rec.UserID),
				zap.String("status", string(rec.Status)),
				zap.Error(err))
		}
		cancel()
	}
}

func (w *mirrorWriter) close() {
	w.once.Do(func() {
		close(w.queue)
		<-w.done
	})
}
