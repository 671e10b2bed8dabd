// Package api provides the HTTP surface of the kiosk: settings,
// messages, users, system actions, and the self-update endpoints
// including the streamed pull. Handlers hold no state of their own;
// every dependency is injected from the composition root.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stationboard/stationboard/internal/config"
	"github.com/stationboard/stationboard/internal/coordinator"
	"github.com/stationboard/stationboard/internal/messages"
	"github.com/stationboard/stationboard/internal/system"
	"github.com/stationboard/stationboard/internal/telemetry"
	"github.com/stationboard/stationboard/internal/transit"
	"github.com/stationboard/stationboard/internal/update"
	"github.com/stationboard/stationboard/internal/users"
)

// requestTimeout bounds ordinary API requests. The streaming update
// route is mounted outside this timeout.
const requestTimeout = 15 * time.Second

// Deps carries the collaborators the routes need.
type Deps struct {
	Coordinator coordinator.Coordinator
	Config      *config.Store
	Users       *users.Store
	Messages    *messages.Store
	Workflow    *update.Workflow
	System      *system.Service
	Transit     transit.Directory
	Metrics     *telemetry.Metrics // nil disables /metrics
	Version     string
}

// Routes holds the handler set.
type Routes struct {
	deps Deps
}

// NewServer builds the full router.
func NewServer(deps Deps) http.Handler {
	rt := &Routes{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}

	r.Get("/health", rt.health)
	r.Get("/version", rt.version)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// The pull stream stays open for the duration of a git pull; no
	// request timeout applies.
	r.Get("/api/update/run", rt.runUpdate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/api/settings", func(r chi.Router) {
			r.Get("/", rt.getSettings)
			r.Post("/", rt.postSettings)
		})
		r.Get("/api/stations", rt.getStations)
		r.Get("/api/directions", rt.getDirections)
		r.Get("/api/lines", rt.getLines)

		r.Route("/api/messages", func(r chi.Router) {
			r.Get("/", rt.getMessages)
			r.Post("/", rt.postMessages)
			r.Post("/trigger", rt.triggerMessage)
		})

		r.Route("/api/update", func(r chi.Router) {
			r.Get("/check", rt.checkForUpdates)
			r.Get("/status", rt.updateStatus)
			r.Post("/cancel", rt.cancelUpdate)
			r.Get("/branch", rt.getBranch)
			r.Post("/branch", rt.switchBranch)
			r.Get("/branches", rt.getBranches)
		})
		r.Post("/api/update-check-interval", rt.postCheckInterval)

		r.Route("/api/system", func(r chi.Router) {
			r.Get("/status", rt.systemStatus)
			r.Post("/reboot", rt.reboot)
			r.Post("/shutdown", rt.shutdown)
			r.Get("/reboot-config", rt.getRebootConfig)
			r.Post("/reboot-config", rt.postRebootConfig)
			r.Get("/timezones", rt.getTimezones)
		})

		r.Post("/api/auth/login", rt.login)
		r.Route("/api/users", func(r chi.Router) {
			r.Get("/", rt.listUsers)
			r.Post("/", rt.addUser)
			r.Post("/{username}/password", rt.setPassword)
			r.Delete("/{username}", rt.removeUser)
			r.Get("/{username}/preferences", rt.getPreferences)
			r.Post("/{username}/preferences", rt.updatePreferences)
		})
	})

	return r
}

func (rt *Routes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Routes) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": rt.deps.Version,
		"commit":  rt.deps.Workflow.CommitVersion(r.Context()),
	})
}

// loggingMiddleware logs one line per request with status and timing.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
