package api

import (
	"net/http"

	"go.uber.org/zap"
)

type onlineUsersResponse struct {
	Users []string `json:"users"`
}

func (a *API) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users := a.presence.OnlineUsers()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, onlineUsersResponse{Users: users})
}

// userStatus reports live presence, falling back to the persisted last-seen
// when the user is offline. A failing mirror only costs the last-seen field.
func (a *API) userStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.presence.Status(r.Context(), pathID(r))
	if err != nil {
		a.log.Warn("presence mirror lookup failed", zap.String("user", snap.UserID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, snap)
}
