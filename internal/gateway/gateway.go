// Package gateway is the realtime layer on top of the WebSocket transport:
// it authenticates connections, tracks their rooms, relays chat events and
// delivers server-originated notifications.
package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pigeon/chat-app/internal/auth"
)

// Presence is the part of the presence registry the gateway drives.
type Presence interface {
	Enter(userID, connID string) []string
	Leave(userID, connID string)
	Disconnect(userID, connID string)
	Away(userID string)
	Active(userID string)
}

// Config holds gateway tuning parameters.
type Config struct {
	AuthTimeout time.Duration // unauthenticated connections are closed after this
	EventRate   float64       // inbound events per second per connection
	EventBurst  int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout: 10 * time.Second,
		EventRate:   20,
		EventBurst:  40,
	}
}

// session is the gateway state of one connection.
type session struct {
	peer    Peer
	limiter *rate.Limiter

	mu        sync.Mutex
	userID    string // empty until authenticated
	closed    bool
	authTimer *time.Timer
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Gateway owns per-connection sessions and room membership.
type Gateway struct {
	config   Config
	gate     auth.Verifier
	presence Presence
	rooms    *Rooms
	fanout   Fanout
	handlers map[string]handlerFunc
	log      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Gateway that fans out in-process. Call SetPresence before
// accepting connections and SetFanout to fan out across processes.
func New(config Config, gate auth.Verifier, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if config.EventRate <= 0 {
		config.EventRate = DefaultConfig().EventRate
	}
	if config.EventBurst <= 0 {
		config.EventBurst = DefaultConfig().EventBurst
	}
	g := &Gateway{
		config:   config,
		gate:     gate,
		rooms:    NewRooms(),
		handlers: make(map[string]handlerFunc),
		log:      log.Named("gateway"),
		sessions: make(map[string]*session),
	}
	g.fanout = g.rooms
	g.registerHandlers()
	return g
}

// SetPresence assigns the presence registry. The registry is created with
// the gateway as its Broadcaster, so it is attached after New.
func (g *Gateway) SetPresence(p Presence) {
	g.presence = p
}

// SetFanout replaces in-process fan-out, typically with the NATS room bus.
func (g *Gateway) SetFanout(f Fanout) {
	g.fanout = f
}

// Rooms returns the local room index. The NATS room bus delivers into it.
func (g *Gateway) Rooms() *Rooms {
	return g.rooms
}

// Connect registers a new connection. It is closed if it does not
// authenticate within the configured timeout.
func (g *Gateway) Connect(p Peer) {
	s := &session{
		peer:    p,
		limiter: rate.NewLimiter(rate.Limit(g.config.EventRate), g.config.EventBurst),
	}

	g.mu.Lock()
	g.sessions[p.ConnID()] = s
	g.mu.Unlock()

	if g.config.AuthTimeout > 0 {
		s.mu.Lock()
		s.authTimer = time.AfterFunc(g.config.AuthTimeout, func() { g.expireAuth(s) })
		s.mu.Unlock()
	}
}

func (g *Gateway) expireAuth(s *session) {
	s.mu.Lock()
	expired := s.userID == "" && !s.closed
	s.mu.Unlock()
	if expired {
		g.log.Info("authentication timeout", zap.String("conn", s.peer.ConnID()))
		s.peer.Close()
	}
}

// Disconnect tears down the connection's session: presence, rooms and the
// auth timer. It is safe to call for unknown or already removed peers.
func (g *Gateway) Disconnect(p Peer) {
	connID := p.ConnID()

	g.mu.Lock()
	s, ok := g.sessions[connID]
	delete(g.sessions, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	userID := s.userID
	if userID != "" && g.presence != nil {
		g.presence.Disconnect(userID, connID)
	}
	s.mu.Unlock()

	g.rooms.LeaveAll(connID)
	g.log.Debug("session closed", zap.String("conn", connID), zap.String("user", userID))
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) session(connID string) *session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[connID]
}
