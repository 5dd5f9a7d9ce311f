// Package callback implements the Transcription Callback Receiver (C5): the
// HTTP handler the remote transcription service calls back on completion
// or failure (spec §4.5).
package callback

import (
	"encoding/json"
	"net/http"
	"time"

	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/store"
)

// Payload is the webhook body posted by the transcription service.
type Payload struct {
	RequestID        string                 `json:"request_id"`
	CallID           string                 `json:"call_id"`
	Status           string                 `json:"status"`
	Text             *string                `json:"text,omitempty"`
	Language         *string                `json:"language,omitempty"`
	Confidence       *float64               `json:"confidence,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	SpeakerSegments  []store.SpeakerSegment `json:"speaker_segments,omitempty"`
	SpeakerCount     *int                   `json:"speaker_count,omitempty"`
	Error            *string                `json:"error,omitempty"`
	CompletedAt      string                 `json:"completed_at"`
}

// Response is the acknowledgement body.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Handler applies callback payloads to the store's Call Records.
type Handler struct {
	st  *store.Store
	log *logging.Logger
}

// New constructs a Handler.
func New(st *store.Store, log *logging.Logger) *Handler {
	return &Handler{st: st, log: log}
}

// ServeHTTP handles POST /api/v1/transcription/callback.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respond(w, http.StatusBadRequest, Response{Status: "error", Message: "invalid callback body: " + err.Error()})
		return
	}

	h.log.Info("received transcription callback", "call_id", payload.CallID, "request_id", payload.RequestID, "status", payload.Status)

	status := store.StatusFailed
	switch payload.Status {
	case "completed":
		status = store.StatusCompleted
	case "failed":
		status = store.StatusFailed
	default:
		h.log.Warn("unknown transcription callback status, treating as failed", "status", payload.Status, "call_id", payload.CallID)
	}

	errMsg := payload.Error
	if status == store.StatusFailed && errMsg == nil && payload.Status != "failed" {
		msg := "unknown transcription status: " + payload.Status
		errMsg = &msg
	}

	err := h.st.Finalize(r.Context(), payload.CallID, status, payload.Text, payload.Language,
		payload.Confidence, payload.SpeakerSegments, payload.SpeakerCount, errMsg)
	if err != nil {
		h.log.Error("failed to apply transcription callback", "call_id", payload.CallID, "error", err)
		h.respond(w, http.StatusInternalServerError, Response{Status: "error", Message: "failed to update database: " + err.Error()})
		return
	}

	h.log.Info("transcription callback applied", "call_id", payload.CallID, "status", string(status),
		"processing_time_ms", payload.ProcessingTimeMs)
	h.respond(w, http.StatusOK, Response{Status: "success", Message: "transcription updated for call " + payload.CallID})
}

func (h *Handler) respond(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("write callback response failed", "error", err)
	}
}

// Health is the lightweight readiness endpoint at GET
// /api/v1/transcription/health, independent of the remote service's own
// health (spec §4.5 "Health check endpoint for transcription service").
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"service":   "transcription_callback",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
