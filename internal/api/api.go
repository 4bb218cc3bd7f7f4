// Package api exposes the matchmaker, conversation store and presence
// registry over REST. Every route requires a verified session; handlers only
// ever act on the user id the identity gate returned.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pigeon/chat-app/internal/auth"
	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/matching"
	"github.com/pigeon/chat-app/internal/metrics"
	"github.com/pigeon/chat-app/internal/presence"
	"github.com/pigeon/chat-app/internal/ratelimit"
)

// Presence is the read side of the presence registry.
type Presence interface {
	OnlineUsers() []string
	Status(ctx context.Context, userID string) (presence.Snapshot, error)
}

// Limiter throttles write endpoints per user. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps groups the collaborators of the REST API. Limiter may be nil.
type Deps struct {
	Gate     auth.Verifier
	Chats    *chat.Service
	Matcher  *matching.Service
	Presence Presence
	Limiter  Limiter
	Log      *zap.Logger
}

// API serves the /api routes.
type API struct {
	gate     auth.Verifier
	chats    *chat.Service
	matcher  *matching.Service
	presence Presence
	limiter  Limiter
	log      *zap.Logger
}

// New creates an API from deps.
func New(deps Deps) *API {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		gate:     deps.Gate,
		chats:    deps.Chats,
		matcher:  deps.Matcher,
		presence: deps.Presence,
		limiter:  deps.Limiter,
		log:      log.Named("api"),
	}
}

// Register mounts every route under /api on r.
func (a *API) Register(r *mux.Router) {
	s := r.PathPrefix("/api").Subrouter()
	s.Use(a.observe, auth.Middleware(a.gate, a.authFailed))

	// Matchmaker
	s.HandleFunc("/pigeons", a.releasePigeon).Methods(http.MethodPost)
	s.HandleFunc("/pigeons", a.listPigeons).Methods(http.MethodGet)
	s.HandleFunc("/pigeons/{id}/catch", a.catchPigeon).Methods(http.MethodPost)

	// Chats
	s.HandleFunc("/chats", a.listChats).Methods(http.MethodGet)
	s.HandleFunc("/chats/{id}", a.deleteChat).Methods(http.MethodDelete)
	s.HandleFunc("/chats/{id}/restore", a.restoreChat).Methods(http.MethodPost)
	s.HandleFunc("/chats/{id}/messages", a.listMessages).Methods(http.MethodGet)
	s.HandleFunc("/chats/{id}/messages", a.sendMessage).Methods(http.MethodPost)
	s.HandleFunc("/chats/{id}/read", a.markRead).Methods(http.MethodPost)
	s.HandleFunc("/chats/{id}/pinned", a.listPinned).Methods(http.MethodGet)

	// Messages
	s.HandleFunc("/messages/unread-count", a.unreadCount).Methods(http.MethodGet)
	s.HandleFunc("/messages/{id}/reactions", a.listReactions).Methods(http.MethodGet)
	s.HandleFunc("/messages/{id}/reactions", a.toggleReaction).Methods(http.MethodPost)
	s.HandleFunc("/messages/{id}/reactions", a.removeReaction).Methods(http.MethodDelete)
	s.HandleFunc("/messages/{id}/pin", a.togglePin).Methods(http.MethodPost)
	s.HandleFunc("/messages/{id}/pin", a.unpin).Methods(http.MethodDelete)

	// Presence
	s.HandleFunc("/users/online", a.onlineUsers).Methods(http.MethodGet)
	s.HandleFunc("/users/{id}/status", a.userStatus).Methods(http.MethodGet)
}

// Handler returns a standalone router serving only the API.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

// observe records request latency by route template.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = r.Method + " " + tpl
			}
		}
		metrics.RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (a *API) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.writeError(w, r, err)
}

// allow applies rule for uid. It writes the 429 response itself and returns
// false when the request must stop.
func (a *API) allow(w http.ResponseWriter, r *http.Request, uid string, rule ratelimit.Rule) bool {
	if a.limiter == nil {
		return true
	}
	ok, err := a.limiter.Allow(r.Context(), uid, rule)
	if err != nil {
		a.log.Warn("rate limit check failed", zap.Error(err))
	}
	if ok {
		return true
	}
	retry := a.limiter.RetryAfter(r.Context(), uid, rule)
	secs := int((retry + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	metrics.EventsTotal.WithLabelValues(rule.Key, "limited").Inc()
	a.writeError(w, r, errRateLimited)
	return false
}

// userID returns the verified caller. The auth middleware guarantees it.
func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
