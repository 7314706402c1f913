// ABOUTME: HTTP admin API for launching agents, submitting jobs and tuning the heart
// ABOUTME: Also mounts health probes, metrics and the agent websocket endpoint

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/agent"
	"github.com/2389/nimrod-master/internal/auth"
	"github.com/2389/nimrod-master/internal/bus"
	"github.com/2389/nimrod-master/internal/heart"
	"github.com/2389/nimrod-master/internal/protocol"
	"github.com/2389/nimrod-master/internal/store"
)

const (
	// IdempotencyHeader names the header that deduplicates retried POSTs.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes      = 1 << 20
	defaultListLimit  = 100
	readyCheckTimeout = 2 * time.Second
)

// recordedResponse is a finished admin response kept for idempotent replay.
type recordedResponse struct {
	Status int
	Body   []byte
}

// LaunchRequest is the JSON body for POST /api/agents.
type LaunchRequest struct {
	ID       string `json:"id,omitempty"`
	Walltime string `json:"walltime,omitempty"`
}

// ConfigValue is the JSON body for PUT /api/config/{key}.
type ConfigValue struct {
	Value string `json:"value"`
}

// TransitionResponse is one entry of GET /api/agents/{id}/transitions.
type TransitionResponse struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// registerRoutes mounts every HTTP endpoint on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	mux.Handle("GET "+bus.ConnectPath, g.hub)

	var tokens auth.TokenVerifier
	if g.verifier != nil {
		tokens = g.verifier
	}
	guard := auth.HTTPAuthMiddleware(tokens, g.logger)
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, guard(h))
	}

	admin("GET /api/agents", g.handleListAgents)
	admin("POST /api/agents", g.idempotent(g.handleLaunch))
	admin("GET /api/agents/{id}", g.handleGetAgent)
	admin("GET /api/agents/{id}/transitions", g.handleTransitions)
	admin("POST /api/agents/{id}/jobs", g.idempotent(g.handleSubmitJob))
	admin("POST /api/agents/{id}/cancel", g.agentCommand(g.manager.CancelJob))
	admin("POST /api/agents/{id}/terminate", g.agentCommand(g.manager.Terminate))
	admin("POST /api/agents/{id}/ping", g.agentCommand(g.manager.Ping))
	admin("GET /api/config", g.handleGetConfig)
	admin("PUT /api/config/{key}", g.handleSetConfig)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.ready:
	default:
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()
	if p, ok := g.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness: store unreachable", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	if p, ok := g.ledgers.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness: replay ledger unreachable", "error", err)
			http.Error(w, "replay ledger unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") != "true" {
		g.writeJSON(w, http.StatusOK, g.manager.List())
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := g.repo.List(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing persisted agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, recs)
}

func (g *Gateway) handleLaunch(r *http.Request) (int, any) {
	var req LaunchRequest
	if err := decodeBody(r.Body, &req, true); err != nil {
		return http.StatusBadRequest, errorBody(err.Error())
	}

	var launch agent.LaunchRequest
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return http.StatusBadRequest, errorBody("invalid agent id")
		}
		launch.ID = id
	}
	if req.Walltime != "" {
		d, err := time.ParseDuration(req.Walltime)
		if err != nil || d <= 0 {
			return http.StatusBadRequest, errorBody("walltime must be a positive duration")
		}
		launch.Walltime = d
	}

	launched, err := g.manager.Launch(r.Context(), launch)
	if err != nil {
		return g.commandError("launch", launch.ID, err)
	}
	g.logger.Info("agent launched", "agent_id", launched.Record.ID, "subject", auth.SubjectFrom(r.Context()))
	return http.StatusCreated, launched
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathAgent(w, r)
	if !ok {
		return
	}
	rec, err := g.manager.Get(id)
	if errors.Is(err, agent.ErrUnknownAgent) {
		// Reaped sessions are still readable from the store.
		rec, err = g.repo.Load(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
	}
	if err != nil {
		g.logger.Error("loading agent", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := g.pathAgent(w, r)
	if !ok {
		return
	}
	if _, err := g.store.GetAgent(r.Context(), id.String()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("loading agent", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rows, err := g.store.ListTransitions(r.Context(), id.String(), 0)
	if err != nil {
		g.logger.Error("listing transitions", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]TransitionResponse, 0, len(rows))
	for _, t := range rows {
		out = append(out, TransitionResponse{From: t.FromState, To: t.ToState, At: t.CreatedAt})
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSubmitJob(r *http.Request) (int, any) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return http.StatusBadRequest, errorBody("invalid agent id")
	}
	var job protocol.Job
	if err := decodeBody(r.Body, &job, false); err != nil {
		return http.StatusBadRequest, errorBody(err.Error())
	}
	if err := g.manager.SubmitJob(r.Context(), id, &job); err != nil {
		return g.commandError("submit job", id, err)
	}
	return http.StatusAccepted, map[string]string{"job_uuid": job.UUID.String()}
}

// agentCommand adapts a manager operation taking only an agent id.
func (g *Gateway) agentCommand(op func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.pathAgent(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), id); err != nil {
			status, body := g.commandError(r.URL.Path, id, err)
			g.writeJSON(w, status, body)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (g *Gateway) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := g.manager.Heart().Config()
	out := make(map[string]string, len(heart.Keys))
	for _, key := range heart.Keys {
		v, err := cfg.Value(key)
		if err != nil {
			continue
		}
		out[key] = v
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body ConfigValue
	if err := decodeBody(r.Body, &body, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.manager.OnConfigChange(key, body.Value); err != nil {
		if errors.Is(err, heart.ErrUnknownKey) {
			g.sendJSONError(w, http.StatusNotFound, "unknown configuration key")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.SetConfig(r.Context(), key, body.Value); err != nil {
		// Live value already applied; it is lost on restart.
		g.logger.Error("persisting config override", "key", key, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "applied but not persisted")
		return
	}
	g.logger.Info("config changed", "key", key, "value", body.Value, "subject", auth.SubjectFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// idempotent runs h at most once per Idempotency-Key and replays the
// recorded response to retries. Server errors are not remembered.
func (g *Gateway) idempotent(h func(*http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			status, body := h(r)
			g.writeJSON(w, status, body)
			return
		}

		cacheKey := r.Method + " " + r.URL.Path + " " + key
		resp, shared := g.idempotency.Do(cacheKey, func() (recordedResponse, bool) {
			status, body := h(r)
			data, err := json.Marshal(body)
			if err != nil {
				g.logger.Error("encoding response", "error", err)
				return recordedResponse{Status: http.StatusInternalServerError, Body: []byte(`{"error":"internal server error"}`)}, false
			}
			return recordedResponse{Status: status, Body: data}, status < http.StatusInternalServerError
		})
		if shared {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

// commandError maps manager errors onto HTTP statuses.
func (g *Gateway) commandError(op string, id uuid.UUID, err error) (int, any) {
	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusNotFound, errorBody("agent not found")
	case errors.Is(err, agent.ErrAgentExists):
		return http.StatusConflict, errorBody("agent already exists")
	case errors.Is(err, agent.ErrAgentDead):
		return http.StatusGone, errorBody("agent is dead")
	case errors.Is(err, agent.ErrProtocolViolation):
		return http.StatusConflict, errorBody(err.Error())
	case errors.Is(err, protocol.ErrEmptyJob),
		errors.Is(err, protocol.ErrMissingField),
		errors.Is(err, protocol.ErrInvalidField):
		return http.StatusBadRequest, errorBody(err.Error())
	case errors.Is(err, bus.ErrNotConnected),
		errors.Is(err, bus.ErrSendBufferFull),
		errors.Is(err, bus.ErrHubClosed):
		return http.StatusServiceUnavailable, errorBody("agent unreachable")
	}
	g.logger.Error("agent command failed", "op", op, "agent_id", id, "error", err)
	return http.StatusInternalServerError, errorBody("internal server error")
}

func (g *Gateway) pathAgent(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// allowEmpty is set.
func decodeBody(r io.Reader, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, errorBody(message))
}
