package aluvia

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for inspecting and mutating the
// running client: listing rules, adding or replacing rules, viewing and
// clearing blocked hostnames, and updating the session pin or target
// geography. It is mounted on the proxy listener at a configurable path
// prefix (default "/api") and uses [chi] for routing.
//
// All endpoints return JSON.
type AdminAPI struct {
	// Store supplies config snapshots.
	Store *ConfigStore

	// Sync is the mutation surface into the control plane.
	Sync *Synchronizer

	// Detector supplies and clears blocked-hostname state (optional).
	Detector *Detector

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI over the given store and synchronizer.
func NewAdminAPI(store *ConfigStore, sync *Synchronizer) *AdminAPI {
	a := &AdminAPI{
		Store:      store,
		Sync:       sync,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/rules", a.handleListRules)
	r.Post("/rules", a.handleAddRule)
	r.Put("/rules", a.handleReplaceRules)
	r.Get("/blocked", a.handleListBlocked)
	r.Delete("/blocked", a.handleClearBlocked)
	r.Put("/session", a.handleUpdateSession)
	r.Put("/geo", a.handleUpdateGeo)

	a.router = r
}

// ServeHTTP dispatches admin requests, stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.StripPrefix(a.PathPrefix, a.router).ServeHTTP(w, r)
}

type statusResponse struct {
	Initialized bool   `json:"initialized"`
	RuleCount   int    `json:"rule_count"`
	SessionID   string `json:"session_id,omitempty"`
	TargetGeo   string `json:"target_geo,omitempty"`
	SyncToken   string `json:"sync_token,omitempty"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{}
	if cfg, err := a.Store.Snapshot(); err == nil {
		resp.Initialized = true
		resp.RuleCount = len(cfg.Rules)
		resp.SessionID = cfg.SessionID
		resp.TargetGeo = cfg.TargetGeo
		resp.SyncToken = cfg.SyncToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	cfg, err := a.Store.Snapshot()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"rules": cfg.RulePatterns()})
}

type rulePayload struct {
	Pattern  string   `json:"pattern"`
	Patterns []string `json:"patterns"`
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Pattern == "" {
		writeJSONError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	cfg, err := a.Store.Snapshot()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.Sync.UpdateRules(append(cfg.RulePatterns(), payload.Pattern))
	a.Logger.Info("admin rule added", "pattern", payload.Pattern)

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"added": payload.Pattern})
}

func (a *AdminAPI) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a.Sync.UpdateRules(payload.Patterns)
	a.Logger.Info("admin rules replaced", "count", len(payload.Patterns))

	writeJSON(w, http.StatusOK, map[string]int{"count": len(payload.Patterns)})
}

func (a *AdminAPI) handleListBlocked(w http.ResponseWriter, _ *http.Request) {
	hosts := []string{}
	if a.Detector != nil {
		hosts = append(hosts, a.Detector.BlockedHostnames()...)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"blocked": hosts})
}

func (a *AdminAPI) handleClearBlocked(w http.ResponseWriter, _ *http.Request) {
	if a.Detector != nil {
		a.Detector.ClearBlockedHostnames()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type sessionPayload struct {
	SessionID string `json:"session_id"`
}

func (a *AdminAPI) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var payload sessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	a.Sync.UpdateSessionID(payload.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": payload.SessionID})
}

type geoPayload struct {
	TargetGeo string `json:"target_geo"`
}

func (a *AdminAPI) handleUpdateGeo(w http.ResponseWriter, r *http.Request) {
	var payload geoPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	a.Sync.UpdateTargetGeo(payload.TargetGeo)
	writeJSON(w, http.StatusOK, map[string]string{"target_geo": payload.TargetGeo})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
