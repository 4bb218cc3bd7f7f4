package api

import (
	"net/http"

	"github.com/pigeon/chat-app/internal/protocol"
	"github.com/pigeon/chat-app/internal/ratelimit"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (a *API) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.chats.ListChats(r.Context(), userID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// deleteChat hides the chat for the caller only. The partner keeps it and
// is told through the realtime channel.
func (a *API) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := a.chats.SoftDelete(r.Context(), userID(r), pathID(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) restoreChat(w http.ResponseWriter, r *http.Request) {
	if err := a.chats.Restore(r.Context(), userID(r), pathID(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.chats.ListMessages(r.Context(), userID(r), pathID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewMessageViews(msgs))
}

// sendMessage persists a message. Delivery to the chat room is the client's
// job over the WebSocket once it has the stored message.
func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var req sendMessageRequest
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.allow(w, r, uid, ratelimit.RuleSend) {
		return
	}
	m, err := a.chats.Send(r.Context(), uid, pathID(r), req.Text)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.NewMessageView(*m))
}

// markRead returns only the messages whose read state changed.
func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decode(r, w, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	updated, err := a.chats.MarkRead(r.Context(), userID(r), pathID(r), req.MessageIDs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewMessageViews(updated))
}

func (a *API) listPinned(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.chats.ListPinned(r.Context(), userID(r), pathID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewMessageViews(msgs))
}
