// Package httpapi exposes the minimal operator/browsing HTTP surface: call
// browsing, supervisor status, health, and per-system rollups (spec
// SUPPLEMENTED FEATURES #5). It deliberately carries no auth, rate-limit, or
// CORS middleware (Non-goals); it is meant to sit behind an operator's own
// reverse proxy.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"sdrtrunk-monitor/internal/callback"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/metrics"
	"sdrtrunk-monitor/internal/rollup"
	"sdrtrunk-monitor/internal/store"
	"sdrtrunk-monitor/internal/supervisor"
	"sdrtrunk-monitor/internal/transcribe"
)

// Router builds the handlers mounted on the service's HTTP mux.
type Router struct {
	st   *store.Store
	sup  *supervisor.Supervisor
	disp *transcribe.Dispatcher
	cb   *callback.Handler
	log  *logging.Logger
}

// NewRouter wires the ops/browsing surface to its backing components.
func NewRouter(st *store.Store, sup *supervisor.Supervisor, disp *transcribe.Dispatcher, cb *callback.Handler, log *logging.Logger) *Router {
	return &Router{st: st, sup: sup, disp: disp, cb: cb, log: log}
}

// Register mounts every route on mux.
func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/calls", r.calls)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/rollups", r.rollups)
	mux.HandleFunc("/ops/queue/retry", r.retryQueue)
	mux.HandleFunc("/api/v1/transcription/callback", r.cb.ServeHTTP)
	mux.HandleFunc("/api/v1/transcription/health", callback.Health)
}

// calls lists the most recent Call Records, newest first.
func (r *Router) calls(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if q := req.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	calls, err := r.st.ListRecent(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, calls)
}

// status reports the supervisor's lifecycle state and queue depth
// alongside the transcription dispatcher's worker health (spec
// SUPPLEMENTED FEATURES #2) and the process-wide metrics counters.
func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, map[string]any{
		"supervisor":    r.sup.Metrics(),
		"transcription": r.disp.Health(),
		"counters":      metrics.Snapshot(),
	})
}

// health reports a 503 if the database is unreachable, else 204.
func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.st.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rollups returns the per-system, per-UTC-day call count rollups
// (SUPPLEMENTED FEATURES #3).
func (r *Router) rollups(w http.ResponseWriter, req *http.Request) {
	counts, err := rollup.Compute(req.Context(), r.st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, counts)
}

// retryQueue moves a failed-partition entry back to pending for reprocessing.
func (r *Router) retryQueue(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.sup.RetryFailed(body.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, map[string]string{"status": "retried"})
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}
