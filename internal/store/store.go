// Package store persists Call Records to an embedded SQLite database and
// enforces the monotone status transitions required of them (spec §3, §5).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup or conditional update addresses a
// Call Record that does not exist.
var ErrNotFound = errors.New("store: call record not found")

// ErrConflict is returned by Insert when the (system_id, capture_timestamp,
// stored_filename) unique constraint already has a matching row — the
// Ingestion Processor treats this as "already ingested" (spec §4.3 step 5).
var ErrConflict = errors.New("store: call record already exists")

// ErrInvalidTransition is returned when a status update would move a Call
// Record backward along none→pending→processing→{completed,failed}.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// TranscriptionStatus mirrors the Call Record's transcription.status field.
type TranscriptionStatus string

const (
	StatusNone       TranscriptionStatus = "none"
	StatusPending    TranscriptionStatus = "pending"
	StatusProcessing TranscriptionStatus = "processing"
	StatusCompleted  TranscriptionStatus = "completed"
	StatusFailed     TranscriptionStatus = "failed"
)

var statusRank = map[TranscriptionStatus]int{
	StatusNone:       0,
	StatusPending:    1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// CanTransition reports whether from->to is monotone non-decreasing and,
// when ranks tie at the terminal level, identical (completed and failed are
// both terminal; neither transitions into the other).
func CanTransition(from, to TranscriptionStatus) bool {
	if from == to {
		return true
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if fr == 3 {
		return false
	}
	return tr > fr
}

// SpeakerSegment is one diarized span within a transcription result.
type SpeakerSegment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text,omitempty"`
}

// Call is the persistent Call Record (spec §3).
type Call struct {
	ID                string
	CaptureTimestamp  time.Time
	ReceivedAt        time.Time
	SystemID          string
	TalkgroupID       *int32
	SourceRadioID     *int64
	FrequencyHz       *int64
	StoredFilename    string
	StoredPath        string
	ContentType       string
	SizeBytes         int64
	DurationSeconds   float64
	Status            TranscriptionStatus
	Text              *string
	Language          *string
	Confidence        *float64
	SpeakerSegments   []SpeakerSegment
	SpeakerCount      *int
	TranscriptionErr  *string
}

// Store wraps the SQLite connection backing Call Records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			capture_timestamp TIMESTAMP NOT NULL,
			received_at TIMESTAMP NOT NULL,
			system_id TEXT NOT NULL,
			talkgroup_id INTEGER,
			source_radio_id INTEGER,
			frequency_hz INTEGER,
			stored_filename TEXT NOT NULL,
			stored_path TEXT NOT NULL,
			content_type TEXT,
			size_bytes INTEGER NOT NULL,
			duration_seconds REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'none',
			text TEXT,
			language TEXT,
			confidence REAL,
			speaker_segments_json TEXT,
			speaker_count INTEGER,
			transcription_error TEXT,
			request_id TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_dedup ON calls(system_id, capture_timestamp, stored_filename);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_system_day ON calls(system_id, capture_timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Insert creates a new Call Record with the status c carries (the Ingestion
// Processor inserts with "pending", spec §4.3 step 5). If the (system_id, capture_timestamp, stored_filename) unique
// constraint is violated, it returns ErrConflict so the caller can treat the
// file as already ingested.
func (s *Store) Insert(ctx context.Context, c *Call) error {
	segJSON, err := marshalSegments(c.SpeakerSegments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO calls(
		id, capture_timestamp, received_at, system_id, talkgroup_id, source_radio_id,
		frequency_hz, stored_filename, stored_path, content_type, size_bytes,
		duration_seconds, status, text, language, confidence, speaker_segments_json,
		speaker_count, transcription_error
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CaptureTimestamp, c.ReceivedAt, c.SystemID, c.TalkgroupID, c.SourceRadioID,
		c.FrequencyHz, c.StoredFilename, c.StoredPath, c.ContentType, c.SizeBytes,
		c.DurationSeconds, string(c.Status), c.Text, c.Language, c.Confidence, segJSON,
		c.SpeakerCount, c.TranscriptionErr,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: insert call: %w", err)
	}
	return nil
}

// FindByDedupKey looks up an existing row by the unique-constraint key,
// used when Insert returns ErrConflict and the caller needs the existing
// stored path to finish archival idempotently.
func (s *Store) FindByDedupKey(ctx context.Context, systemID string, captureTimestamp time.Time, storedFilename string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE system_id=? AND capture_timestamp=? AND stored_filename=?`,
		systemID, captureTimestamp, storedFilename)
	return scanCall(row)
}

// Get fetches a Call Record by id.
func (s *Store) Get(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id=?`, id)
	return scanCall(row)
}

// IsIngested reports whether storedPath (a file currently sitting in the
// watch directory, from a startup scan) already has a Call Record whose
// archival completed elsewhere, used by startup reconciliation
// (internal/reconcile). A row is only a genuine duplicate if its current
// stored_path differs from storedPath: archival (step 6) moves the file
// out of the watch directory, so a row whose stored_path still equals
// storedPath means archival never ran (a crash between steps 5 and 6) —
// that file must be treated as NOT yet ingested so reconciliation
// re-enqueues it and the Ingestion Processor's conflict handling in
// processOne can retry the archive (spec §9 crash recovery).
func (s *Store) IsIngested(ctx context.Context, storedPath string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM calls WHERE stored_filename=? AND stored_path != ? LIMIT 1`,
		filepath.Base(storedPath), storedPath)
	var v int
	switch err := row.Scan(&v); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("store: is ingested: %w", err)
	}
}

// SetStoredPath updates the stored path after archival (spec §4.3 step 6).
func (s *Store) SetStoredPath(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET stored_path=? WHERE id=?`, path, id)
	if err != nil {
		return fmt.Errorf("store: set stored path: %w", err)
	}
	return requireRowsAffected(res)
}

// MarkSubmitted transitions a Call Record from "pending" to "processing"
// and records the dispatcher's request id (spec §4.4 step 3).
func (s *Store) MarkSubmitted(ctx context.Context, callID, requestID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET status=?, request_id=? WHERE id=? AND status=?`,
		string(StatusProcessing), requestID, callID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("store: mark submitted: %w", err)
	}
	return requireRowsAffected(res)
}

// Finalize applies the callback's terminal result as a compare-and-set
// update, accepting only rows currently in {pending, processing} — or
// already in the same terminal status, in which case the given values are
// written again over the stored ones, to keep repeated callbacks idempotent
// (spec §4.5, §5).
func (s *Store) Finalize(ctx context.Context, callID string, status TranscriptionStatus, text, language *string, confidence *float64, segments []SpeakerSegment, speakerCount *int, transcriptionErr *string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: finalize requires a terminal status, got %s", ErrInvalidTransition, status)
	}
	segJSON, err := marshalSegments(segments)
	if err != nil {
		return err
	}

	existing, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}

	if existing.Status == status {
		// Idempotent re-apply: same terminal status already recorded.
		// Re-apply the same values rather than reject, per spec §9.
		_, err := s.db.ExecContext(ctx, `UPDATE calls SET text=?, language=?, confidence=?, speaker_segments_json=?, speaker_count=?, transcription_error=? WHERE id=?`,
			text, language, confidence, segJSON, speakerCount, transcriptionErr, callID)
		if err != nil {
			return fmt.Errorf("store: finalize re-apply: %w", err)
		}
		return nil
	}

	if !CanTransition(existing.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, status)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE calls SET status=?, text=?, language=?, confidence=?, speaker_segments_json=?, speaker_count=?, transcription_error=?
		WHERE id=? AND status IN (?, ?)`,
		string(status), text, language, confidence, segJSON, speakerCount, transcriptionErr,
		callID, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("store: finalize: %w", err)
	}
	return requireRowsAffected(res)
}

// ListRecent returns up to limit Call Records ordered by capture time,
// newest first, for the ops browsing surface.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls ORDER BY capture_timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCallRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountBySystemDay returns, for every (system_id, UTC day) pair, the number
// of Call Records — the data backing internal/rollup.
func (s *Store) CountBySystemDay(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT system_id, date(capture_timestamp) AS day, COUNT(*) FROM calls GROUP BY system_id, day`)
	if err != nil {
		return nil, fmt.Errorf("store: count by system day: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var systemID, day string
		var count int
		if err := rows.Scan(&systemID, &day, &count); err != nil {
			return nil, err
		}
		if out[systemID] == nil {
			out[systemID] = map[string]int{}
		}
		out[systemID][day] = count
	}
	return out, rows.Err()
}

// Health verifies the database connection is reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	return row.Scan(&v)
}

const callColumns = `id, capture_timestamp, received_at, system_id, talkgroup_id, source_radio_id,
	frequency_hz, stored_filename, stored_path, content_type, size_bytes, duration_seconds,
	status, text, language, confidence, speaker_segments_json, speaker_count, transcription_error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row *sql.Row) (*Call, error) {
	return scanRowScanner(row)
}

func scanCallRow(rows *sql.Rows) (*Call, error) {
	return scanRowScanner(rows)
}

func scanRowScanner(r rowScanner) (*Call, error) {
	var c Call
	var status string
	var segJSON sql.NullString
	var text, language, transcriptionErr sql.NullString
	var confidence sql.NullFloat64
	var speakerCount sql.NullInt64
	var talkgroupID, sourceRadioID, frequencyHz sql.NullInt64

	err := r.Scan(&c.ID, &c.CaptureTimestamp, &c.ReceivedAt, &c.SystemID, &talkgroupID, &sourceRadioID,
		&frequencyHz, &c.StoredFilename, &c.StoredPath, &c.ContentType, &c.SizeBytes, &c.DurationSeconds,
		&status, &text, &language, &confidence, &segJSON, &speakerCount, &transcriptionErr)
	switch err {
	case nil:
	case sql.ErrNoRows:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("store: scan call: %w", err)
	}

	c.Status = TranscriptionStatus(status)
	if talkgroupID.Valid {
		v := int32(talkgroupID.Int64)
		c.TalkgroupID = &v
	}
	if sourceRadioID.Valid {
		v := sourceRadioID.Int64
		c.SourceRadioID = &v
	}
	if frequencyHz.Valid {
		v := frequencyHz.Int64
		c.FrequencyHz = &v
	}
	if text.Valid {
		c.Text = &text.String
	}
	if language.Valid {
		c.Language = &language.String
	}
	if confidence.Valid {
		c.Confidence = &confidence.Float64
	}
	if speakerCount.Valid {
		v := int(speakerCount.Int64)
		c.SpeakerCount = &v
	}
	if transcriptionErr.Valid {
		c.TranscriptionErr = &transcriptionErr.String
	}
	if segJSON.Valid && segJSON.String != "" {
		if err := json.Unmarshal([]byte(segJSON.String), &c.SpeakerSegments); err != nil {
			return nil, fmt.Errorf("store: unmarshal speaker segments: %w", err)
		}
	}
	return &c, nil
}

func marshalSegments(segments []SpeakerSegment) (*string, error) {
	if segments == nil {
		return nil, nil
	}
	b, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("store: marshal speaker segments: %w", err)
	}
	s := string(b)
	return &s, nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueConstraintErr reports whether err is a SQLite unique-constraint
// violation, without importing the modernc.org/sqlite error type directly
// (the driver reports it as a plain error whose message contains this
// phrase across versions).
func isUniqueConstraintErr(err error) bool {
	return err != nil && containsFold(err.Error(), "UNIQUE constraint failed")
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			a, b := s[i+j], substr[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
