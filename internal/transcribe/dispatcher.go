// Package transcribe implements the Transcription Dispatcher (C4): a worker
// pool that submits database-backed jobs to the remote transcription
// service using a webhook-callback protocol (spec §4.4).
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdrtrunk-monitor/internal/config"
	"sdrtrunk-monitor/internal/events"
	"sdrtrunk-monitor/internal/logging"
	"sdrtrunk-monitor/internal/metrics"
	"sdrtrunk-monitor/internal/store"
	"sdrtrunk-monitor/internal/workerpool"
)

// Options mirrors the Transcription Job's options substructure (spec §3).
type Options struct {
	Language         *string `json:"language,omitempty"`
	Diarize          bool    `json:"diarize"`
	MinSpeakers      *int    `json:"min_speakers,omitempty"`
	MaxSpeakers      *int    `json:"max_speakers,omitempty"`
	VAD              bool    `json:"vad"`
	WordTimestamps   bool    `json:"word_timestamps"`
	ReturnConfidence bool    `json:"return_confidence"`
}

// Request is a Transcription Job submitted to the dispatcher.
type Request struct {
	RequestID   string    `json:"request_id"`
	CallID      string    `json:"call_id"`
	AudioPath   string    `json:"audio_path"`
	RequestedAt time.Time `json:"requested_at"`
	Options     Options   `json:"options"`
	CallbackURL string    `json:"callback_url"`
	RetryCount  int       `json:"-"`
	Priority    int       `json:"-"`
}

// Status is the advisory in-process lifecycle of a submitted request. The
// database remains the source of truth (spec §4.4 "In-process state").
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "processing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// syncResponse is the schema a synchronous (non-webhook) 2xx reply uses —
// identical to the callback body C5 receives (spec §4.4 step 4, §4.5).
type syncResponse struct {
	RequestID         string                `json:"request_id"`
	CallID            string                `json:"call_id"`
	Status            string                `json:"status"`
	Text              *string               `json:"text,omitempty"`
	Language          *string               `json:"language,omitempty"`
	Confidence        *float64              `json:"confidence,omitempty"`
	ProcessingTimeMs  int64                 `json:"processing_time_ms"`
	Segments          []TranscriptSegment   `json:"segments,omitempty"`
	SpeakerSegments   []store.SpeakerSegment `json:"speaker_segments,omitempty"`
	SpeakerCount      *int                  `json:"speaker_count,omitempty"`
	Words             []WordSegment         `json:"words,omitempty"`
	Error             *string               `json:"error,omitempty"`
	CompletedAt       time.Time             `json:"completed_at"`
}

// TranscriptSegment is one time-aligned span of the transcription text.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// WordSegment is one word-level timestamp.
type WordSegment struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Health reflects the remote service's last observed /health response.
type Health struct {
	Healthy       bool `json:"healthy"`
	ModelLoaded   bool `json:"model_loaded"`
	GPUAvailable  bool `json:"gpu_available"`
	QueueDepth    int  `json:"queue_depth"`
	ActiveWorkers int  `json:"active_workers"`
}

var backoffSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Dispatcher submits Transcription Jobs to the remote service and applies
// the dual-path (webhook vs synchronous) finalization logic.
type Dispatcher struct {
	cfg    config.Transcription
	client *http.Client
	st     *store.Store
	log    *logging.Logger
	pool   *workerpool.Pool

	mu       sync.RWMutex
	statuses map[string]Status
	health   Health
	bus      *events.Bus
}

// SetBus wires an events.Bus that receives TranscriptionFinalized
// notifications.
func (d *Dispatcher) SetBus(b *events.Bus) {
	d.bus = b
}

func (d *Dispatcher) publish(ev any) {
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}

// New constructs a Dispatcher. Call Start before Submit/TrySubmit.
func New(cfg config.Transcription, st *store.Store, log *logging.Logger) *Dispatcher {
	client := &http.Client{
		Timeout: time.Duration(cfg.RequestDeadlineSeconds) * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	d := &Dispatcher{
		cfg:      cfg,
		client:   client,
		st:       st,
		log:      log,
		statuses: make(map[string]Status),
	}
	d.pool = workerpool.New(cfg.QueueSize, cfg.Workers, client.Timeout, log)
	return d
}

// Start launches the worker pool and the periodic remote health poll.
func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.Start(ctx)
	go d.healthLoop(ctx)
}

// Submit blocks until req is accepted by the pool or ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, req Request) error {
	d.setStatus(req.RequestID, StatusPending)
	return d.pool.Submit(ctx, d.toJob(req))
}

// TrySubmit enqueues req without blocking, failing fast with
// workerpool.ErrFull at capacity.
func (d *Dispatcher) TrySubmit(req Request) error {
	d.setStatus(req.RequestID, StatusPending)
	return d.pool.TrySubmit(d.toJob(req))
}

func (d *Dispatcher) toJob(req Request) workerpool.Job {
	return workerpool.Job{
		ID:     req.RequestID,
		Source: req.CallID,
		Work: func(ctx context.Context) error {
			return d.process(ctx, req)
		},
	}
}

// QueueLen reports the number of jobs currently queued.
func (d *Dispatcher) QueueLen() int { return d.pool.Len() }

// Status returns the advisory in-process status for requestID.
func (d *Dispatcher) Status(requestID string) (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.statuses[requestID]
	return s, ok
}

// Health returns the last observed remote health snapshot.
func (d *Dispatcher) Health() Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

// Cancel issues DELETE {base}/cancel/{id} and marks the local status
// cancelled. If the remote already completed, C5's callback still wins
// (spec §4.4 "Cancellation").
func (d *Dispatcher) Cancel(ctx context.Context, requestID string) error {
	url := fmt.Sprintf("%s/cancel/%s", d.cfg.BaseURL, requestID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transcribe: cancel request: %w", err)
	}
	defer resp.Body.Close()
	d.setStatus(requestID, StatusCancelled)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("transcribe: cancel returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) setStatus(requestID string, s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[requestID] = s
}

// process runs the per-request protocol of spec §4.4: POST, retry on
// transport errors, then branch on status code.
func (d *Dispatcher) process(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transcribe: marshal request: %w", err)
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < len(backoffSchedule)+1; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffSchedule[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/transcribe", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("transcribe: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, lastErr = d.client.Do(httpReq)
		if lastErr == nil {
			break
		}
		d.log.Warn("transcription submit transport error, retrying", "request_id", req.RequestID, "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		d.setStatus(req.RequestID, StatusFailed)
		metrics.IncTranscriptionFailed()
		d.publish(events.TranscriptionFinalized{CallID: req.CallID, Status: string(store.StatusFailed)})
		errMsg := lastErr.Error()
		return d.st.Finalize(ctx, req.CallID, store.StatusFailed, nil, nil, nil, nil, nil, &errMsg)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		d.setStatus(req.RequestID, StatusSubmitted)
		return d.st.MarkSubmitted(ctx, req.CallID, req.RequestID)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sync syncResponse
		if err := json.NewDecoder(resp.Body).Decode(&sync); err != nil {
			return fmt.Errorf("transcribe: decode synchronous response: %w", err)
		}
		return d.applySyncResult(ctx, req, sync)

	default:
		b, _ := io.ReadAll(resp.Body)
		errMsg := string(b)
		d.setStatus(req.RequestID, StatusFailed)
		metrics.IncTranscriptionFailed()
		d.publish(events.TranscriptionFinalized{CallID: req.CallID, Status: string(store.StatusFailed)})
		return d.st.Finalize(ctx, req.CallID, store.StatusFailed, nil, nil, nil, nil, nil, &errMsg)
	}
}

// applySyncResult applies the same finalization logic C5 would on a
// callback, for backward compatibility with a non-webhook remote (spec
// §4.4 step 4).
func (d *Dispatcher) applySyncResult(ctx context.Context, req Request, sync syncResponse) error {
	status := store.StatusCompleted
	if sync.Status != "completed" {
		status = store.StatusFailed
	}
	d.setStatus(req.RequestID, Status(status))
	if status == store.StatusCompleted {
		metrics.IncTranscriptionOK()
	} else {
		metrics.IncTranscriptionFailed()
	}
	d.publish(events.TranscriptionFinalized{CallID: req.CallID, Status: string(status)})
	return d.st.Finalize(ctx, req.CallID, status, sync.Text, sync.Language, sync.Confidence, sync.SpeakerSegments, sync.SpeakerCount, sync.Error)
}

func (d *Dispatcher) healthLoop(ctx context.Context) {
	period := time.Duration(d.cfg.HealthPeriod) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollHealth(ctx)
		}
	}
}

func (d *Dispatcher) pollHealth(ctx context.Context) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"/health", nil)
	if err != nil {
		return
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.log.Warn("transcription health check failed", "error", err)
		d.mu.Lock()
		d.health = Health{Healthy: false}
		d.mu.Unlock()
		return
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		d.log.Warn("transcription health check decode failed", "error", err)
		return
	}
	d.mu.Lock()
	d.health = h
	d.mu.Unlock()
}

// NewRequestID generates a fresh opaque request id (spec §3 "(request id)
// is unique within a process lifetime").
func NewRequestID() string {
	return uuid.NewString()
}
