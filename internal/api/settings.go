package api

import (
	"net/http"
)

type settingsResponse struct {
	Settings  map[string]any `json:"settings"`
	LastSaved string         `json:"last_saved"`
}

func (rt *Routes) getSettings(w http.ResponseWriter, _ *http.Request) {
	doc := rt.deps.Config.Document()
	// The API key is write-only through this surface.
	delete(doc, "api_key")

	resp := settingsResponse{Settings: doc, LastSaved: "Never"}
	if mtime, ok := rt.deps.Config.LastSaved(); ok {
		resp.LastSaved = mtime.Format("01/02/2006 03:04:05 PM")
	}
	writeJSON(w, http.StatusOK, resp)
}

type settingsRequest struct {
	Settings map[string]any `json:"settings"`
	// Timezone is applied system-wide, never stored in the document.
	Timezone string `json:"timezone,omitempty"`
}

func (rt *Routes) postSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc, changed := rt.deps.Config.SetMany(req.Settings)

	if req.Timezone != "" {
		if !rt.deps.System.SetTimezone(r.Context(), req.Timezone) {
			writeError(w, http.StatusInternalServerError, "failed to set timezone")
			return
		}
	}

	if containsAny(changed, "screen_sleep_enabled", "screen_sleep_minutes") {
		rt.deps.System.ApplyScreenSleep(r.Context(),
			rt.deps.Config.GetBool("screen_sleep_enabled"),
			rt.deps.Config.GetInt("screen_sleep_minutes"))
	}

	if len(changed) > 0 {
		rt.deps.Coordinator.MarkSettingsChanged()
	}

	delete(doc, "api_key")
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": doc,
		"changed":  changed,
	})
}

func containsAny(keys []string, wanted ...string) bool {
	for _, key := range keys {
		for _, want := range wanted {
			if key == want {
				return true
			}
		}
	}
	return false
}

func (rt *Routes) getLines(w http.ResponseWriter, r *http.Request) {
	lines, err := rt.deps.Transit.Lines(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch lines")
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (rt *Routes) getStations(w http.ResponseWriter, r *http.Request) {
	stations, err := rt.deps.Transit.Stations(r.Context(), r.URL.Query().Get("line"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch stations")
		return
	}
	writeJSON(w, http.StatusOK, stations)
}

func (rt *Routes) getDirections(w http.ResponseWriter, r *http.Request) {
	directions, err := rt.deps.Transit.Directions(r.Context(), r.URL.Query().Get("station"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to fetch directions")
		return
	}
	writeJSON(w, http.StatusOK, directions)
}
