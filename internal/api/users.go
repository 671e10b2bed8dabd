package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stationboard/stationboard/internal/users"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (rt *Routes) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	record, ok := rt.deps.Users.Verify(req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":             record.Username,
		"must_change_password": record.MustChangePassword,
		"preferences":          record.Preferences,
	})
}

func (rt *Routes) listUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": rt.deps.Users.List()})
}

func (rt *Routes) addUser(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := rt.deps.Users.Add(req.Username, req.Password); err != nil {
		writeError(w, userErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"username": users.NormalizeUsername(req.Username),
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (rt *Routes) setPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	username := chi.URLParam(r, "username")
	if err := rt.deps.Users.SetPassword(username, req.Password); err != nil {
		writeError(w, userErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

func (rt *Routes) removeUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := rt.deps.Users.Remove(username); err != nil {
		writeError(w, userErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (rt *Routes) getPreferences(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	writeJSON(w, http.StatusOK, rt.deps.Users.GetPreferences(username))
}

func (rt *Routes) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var updates users.PreferenceUpdates
	if err := decodeJSON(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	username := chi.URLParam(r, "username")
	prefs, err := rt.deps.Users.UpdatePreferences(username, updates)
	if err != nil {
		writeError(w, userErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func userErrorStatus(err error) int {
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrUserExists), errors.Is(err, users.ErrLastUser):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
