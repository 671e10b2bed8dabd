package api

import (
	"net/http"
)

func (rt *Routes) systemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"device_ip":         rt.deps.System.DeviceIP(),
		"tailscale_address": rt.deps.System.TailscaleAddress(ctx),
		"wifi_connected":    rt.deps.System.WifiConnected(ctx),
		"timezone":          rt.deps.System.CurrentTimezone(ctx),
		"commit":            rt.deps.Workflow.CommitVersion(ctx),
	})
}

func (rt *Routes) reboot(w http.ResponseWriter, _ *http.Request) {
	rt.deps.System.Reboot()
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebooting"})
}

func (rt *Routes) shutdown(w http.ResponseWriter, _ *http.Request) {
	rt.deps.System.Shutdown()
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
}

func (rt *Routes) getRebootConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"reboot_enabled": rt.deps.Config.GetBool("reboot_enabled"),
		"reboot_time":    rt.deps.Config.GetString("reboot_time"),
	})
}

type rebootConfigRequest struct {
	RebootEnabled *bool   `json:"reboot_enabled"`
	RebootTime    *string `json:"reboot_time"`
}

func (rt *Routes) postRebootConfig(w http.ResponseWriter, r *http.Request) {
	var req rebootConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updates := map[string]any{}
	if req.RebootEnabled != nil {
		updates["reboot_enabled"] = *req.RebootEnabled
	}
	if req.RebootTime != nil {
		updates["reboot_time"] = *req.RebootTime
	}
	_, changed := rt.deps.Config.SetMany(updates)
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "changed": changed})
}

func (rt *Routes) getTimezones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timezones": rt.deps.System.Timezones(r.Context()),
		"current":   rt.deps.System.CurrentTimezone(r.Context()),
	})
}
