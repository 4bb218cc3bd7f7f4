package api

import (
	"net/http"

	"github.com/pigeon/chat-app/internal/chat"
	"github.com/pigeon/chat-app/internal/protocol"
)

type reactionRequest struct {
	Reaction string `json:"reaction"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

func (a *API) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.chats.UnreadCount(r.Context(), userID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadCountResponse{Count: n})
}

func (a *API) listReactions(w http.ResponseWriter, r *http.Request) {
	reactions, err := a.chats.ListReactions(r.Context(), userID(r), pathID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewReactionsView(reactions))
}

// toggleReaction adds, switches or clears the caller's single reaction.
func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.respondMessage(w, r)(a.chats.ToggleReaction(r.Context(), userID(r), pathID(r), req.Reaction))
}

func (a *API) removeReaction(w http.ResponseWriter, r *http.Request) {
	a.respondMessage(w, r)(a.chats.RemoveReaction(r.Context(), userID(r), pathID(r)))
}

func (a *API) togglePin(w http.ResponseWriter, r *http.Request) {
	a.respondMessage(w, r)(a.chats.TogglePin(r.Context(), userID(r), pathID(r)))
}

func (a *API) unpin(w http.ResponseWriter, r *http.Request) {
	a.respondMessage(w, r)(a.chats.Unpin(r.Context(), userID(r), pathID(r)))
}

// respondMessage writes the updated message or the error of a message
// mutation.
func (a *API) respondMessage(w http.ResponseWriter, r *http.Request) func(*chat.Message, error) {
	return func(m *chat.Message, err error) {
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewMessageView(*m))
	}
}
