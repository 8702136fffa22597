package transport

import (
	"net/http"
	"sort"

	"github.com/pitabwire/bakehouse/model"
)

type sessionResponse struct {
	*model.Session
	Capabilities []string `json:"capabilities"`
}

// handleSession returns the caller's identity, theme and resolved
// capabilities so the console can hide what the user may not do.
func handleSession(w http.ResponseWriter, r *http.Request) {
	s := model.SessionFrom(r.Context())
	if s == nil {
		WriteError(w, model.NewUnauthorizedError("No session"))
		return
	}
	caps := CapabilitiesFrom(r.Context())
	list := make([]string, 0, len(caps))
	for c, ok := range caps {
		if ok {
			list = append(list, c)
		}
	}
	sort.Strings(list)
	WriteJSON(w, http.StatusOK, sessionResponse{Session: s, Capabilities: list})
}
