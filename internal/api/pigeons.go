package api

import (
	"net/http"

	"github.com/pigeon/chat-app/internal/matching"
	"github.com/pigeon/chat-app/internal/ratelimit"
)

// releasePigeon handles POST /api/pigeons.
func (a *API) releasePigeon(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var in matching.ReleaseInput
	if err := decode(r, w, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.allow(w, r, uid, ratelimit.RuleRelease) {
		return
	}
	p, err := a.matcher.Release(r.Context(), uid, in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// listPigeons handles GET /api/pigeons. The viewer declares location and
// zone through the zone, countryCode and districtCode query parameters.
func (a *API) listPigeons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := matching.Filter{
		Zone:         matching.Zone(q.Get("zone")),
		CountryCode:  q.Get("countryCode"),
		DistrictCode: q.Get("districtCode"),
	}
	pigeons, err := a.matcher.ListCatchable(r.Context(), userID(r), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pigeons)
}

// catchPigeon handles POST /api/pigeons/{id}/catch.
func (a *API) catchPigeon(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if !a.allow(w, r, uid, ratelimit.RuleCatch) {
		return
	}
	res, err := a.matcher.Catch(r.Context(), uid, pathID(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
