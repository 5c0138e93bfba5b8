// Package controlapi exposes the out-of-band request/response surface for
// session management: create, inspect, interrupt, delete, history, list,
// and external-service health. Every mutation goes through session events
// or manager operations; the handlers never touch session fields directly.
package controlapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rs/cors"

	"github.com/parleyvoice/parley/internal/clients"
	"github.com/parleyvoice/parley/internal/manager"
	"github.com/parleyvoice/parley/internal/session"
)

// ConnectionReporter reports whether a session currently has a live
// transport connection. Implemented by the transport registry.
type ConnectionReporter interface {
	Connected(sessionID string) bool
}

// Handler serves the control endpoints. Construct with New and mount the
// result of [Handler.Routes].
type Handler struct {
	mgr         *manager.Manager
	conns       ConnectionReporter
	transcriber clients.Transcriber
	reasoner    clients.Reasoner
	synthesizer clients.Synthesizer
}

// New creates a control surface over the given collaborators. conns may be
// nil, in which case the connected flag is always false.
func New(mgr *manager.Manager, conns ConnectionReporter, t clients.Transcriber, r clients.Reasoner, s clients.Synthesizer) *Handler {
	return &Handler{
		mgr:         mgr,
		conns:       conns,
		transcriber: t,
		reasoner:    r,
		synthesizer: s,
	}
}

// Routes returns the control surface handler with CORS applied, so browser
// clients can drive sessions directly.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", h.handleInterrupt)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /api/services/health", h.handleServicesHealth)

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
}

// createRequest mirrors the session creation input. Pointer fields
// distinguish "absent" from zero so defaults apply only to omitted values.
type createRequest struct {
	TenantID       string   `json:"tenant_id"`
	UserID         string   `json:"user_id"`
	Voice          string   `json:"voice"`
	Tone           string   `json:"tone"`
	Pace           string   `json:"pace"`
	Energy         string   `json:"energy"`
	Prosody        *bool    `json:"prosody"`
	EnableBreaths  *bool    `json:"enable_breaths"`
	EnableSSML     *bool    `json:"enable_ssml"`
	VADSensitivity *float64 `json:"vad_sensitivity"`
}

// toConfig overlays the request onto the defaulted session config.
func (req createRequest) toConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.TenantID = req.TenantID
	cfg.UserID = req.UserID
	if req.Voice != "" {
		cfg.Voice = session.Voice(req.Voice)
	}
	if req.Tone != "" {
		cfg.Tone = session.Tone(req.Tone)
	}
	if req.Pace != "" {
		cfg.Pace = session.Pace(req.Pace)
	}
	if req.Energy != "" {
		cfg.Energy = session.Energy(req.Energy)
	}
	if req.Prosody != nil {
		cfg.Prosody = *req.Prosody
	}
	if req.EnableBreaths != nil {
		cfg.EnableBreaths = *req.EnableBreaths
	}
	if req.EnableSSML != nil {
		cfg.EnableSSML = *req.EnableSSML
	}
	if req.VADSensitivity != nil {
		cfg.VADSensitivity = *req.VADSensitivity
	}
	return cfg
}

type createResponse struct {
	SessionID    string         `json:"session_id"`
	TransportURL string         `json:"transport_url"`
	Config       session.Config `json:"config"`
	State        session.State  `json:"state"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	cfg := req.toConfig()
	sess, err := h.mgr.Create(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		SessionID:    sess.ID,
		TransportURL: "/ws/" + sess.ID,
		Config:       sess.Config,
		State:        sess.State(),
	})
}

// getResponse is the full inspection payload for one session.
type getResponse struct {
	session.Snapshot
	History   []session.Turn `json:"history"`
	Connected bool           `json:"connected"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	connected := false
	if h.conns != nil {
		connected = h.conns.Connected(sess.ID)
	}
	writeJSON(w, http.StatusOK, getResponse{
		Snapshot:  sess.Snapshot(),
		History:   sess.History(),
		Connected: connected,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.mgr.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "session_id": id})
}

func (h *Handler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.Post(session.UserInterrupt{})
	writeJSON(w, http.StatusAccepted, map[string]any{"interrupted": true})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	turns := sess.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"turns":      turns,
		"count":      len(turns),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	snaps := h.mgr.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

// servicesHealth reports the independent reachability of the three external
// services.
type servicesHealth struct {
	Transcribe bool `json:"transcribe"`
	Reason     bool `json:"reason"`
	Synthesize bool `json:"synthesize"`
}

func (h *Handler) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var out servicesHealth
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); out.Transcribe = h.probe(ctx, h.transcriber) }()
	go func() { defer wg.Done(); out.Reason = h.probe(ctx, h.reasoner) }()
	go func() { defer wg.Done(); out.Synthesize = h.probe(ctx, h.synthesizer) }()
	wg.Wait()

	writeJSON(w, http.StatusOK, out)
}

// healthChecker is the slice of the client interfaces the health probe needs.
type healthChecker interface {
	Healthy(ctx context.Context) bool
}

func (h *Handler) probe(ctx context.Context, c healthChecker) bool {
	if c == nil {
		return false
	}
	return c.Healthy(ctx)
}

// ---- helpers ----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("controlapi: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
