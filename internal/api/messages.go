package api

import (
	"net/http"

	"github.com/stationboard/stationboard/internal/messages"
)

func (rt *Routes) getMessages(w http.ResponseWriter, _ *http.Request) {
	doc := rt.deps.Messages.Load()
	resp := map[string]any{"messages": doc, "last_saved": "Never"}
	if mtime, ok := rt.deps.Messages.Mtime(); ok {
		resp["last_saved"] = mtime.Format("01/02/2006 03:04:05 PM")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Routes) postMessages(w http.ResponseWriter, r *http.Request) {
	var doc messages.Document
	if err := decodeJSON(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := rt.deps.Messages.Save(doc); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save messages")
		return
	}
	rt.deps.Coordinator.MarkSettingsChanged()
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

type triggerRequest struct {
	Message string `json:"message"`
}

// triggerMessage queues a one-off message for the display loop. An
// empty message asks the display to pick a random one.
func (rt *Routes) triggerMessage(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rt.deps.Coordinator.TriggerMessage(req.Message)
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}
