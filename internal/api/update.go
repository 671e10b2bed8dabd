package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// runUpdate streams a git pull as server-sent events: one "data:" event
// per output line, then a terminal "done" event carrying the classified
// result. A concurrent pull receives the done event immediately with
// reason "busy" and no git process is spawned.
func (rt *Routes) runUpdate(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	result := rt.deps.Workflow.RunPull(r.Context(), func(line string) {
		fmt.Fprintf(w, "data: %s\n\n", line)
		flusher.Flush()
	})

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"exit_code":-1,"has_error":true}`)
	}
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload)
	flusher.Flush()
}

func (rt *Routes) checkForUpdates(w http.ResponseWriter, r *http.Request) {
	result := rt.deps.Workflow.CheckForUpdates(r.Context(), r.URL.Query().Get("branch"))
	writeJSON(w, http.StatusOK, result)
}

func (rt *Routes) updateStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":           rt.deps.Workflow.Status(),
		"active":           rt.deps.Coordinator.IsActive(),
		"update_available": rt.deps.Workflow.UpdateAvailable(),
		"current_branch":   rt.deps.Workflow.CurrentBranch(r.Context()),
	}
	if last := rt.deps.Workflow.LastResult(); last != nil {
		resp["last_result"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Routes) cancelUpdate(w http.ResponseWriter, _ *http.Request) {
	rt.deps.Workflow.CancelPull()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (rt *Routes) getBranch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"branch":     rt.deps.Workflow.CurrentBranch(r.Context()),
		"configured": rt.deps.Config.GetString("update_branch"),
	})
}

type switchBranchRequest struct {
	Branch string `json:"branch"`
}

func (rt *Routes) switchBranch(w http.ResponseWriter, r *http.Request) {
	var req switchBranchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result := rt.deps.Workflow.SwitchBranch(r.Context(), req.Branch)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (rt *Routes) getBranches(w http.ResponseWriter, r *http.Request) {
	branches := rt.deps.Workflow.RemoteBranches(r.Context())
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"branches": branches})
}

type checkIntervalRequest struct {
	Interval int `json:"interval"`
}

func (rt *Routes) postCheckInterval(w http.ResponseWriter, r *http.Request) {
	var req checkIntervalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Clamp rather than reject; the slider in the UI is advisory.
	interval := req.Interval
	if interval < 5 {
		interval = 5
	}
	if interval > 3600 {
		interval = 3600
	}
	if !rt.deps.Config.Set("update_check_interval_seconds", interval) {
		writeError(w, http.StatusBadRequest, "invalid interval value")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "interval": interval})
}
