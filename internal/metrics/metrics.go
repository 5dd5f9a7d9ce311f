// Package metrics holds process-wide atomic counters surfaced on the ops
// status endpoint, in the teacher's package-level-atomics style rather than
// a registry (no component here needs more than a handful of counters).
package metrics

import "sync/atomic"

var (
	filesIngested      int64
	filesQuarantined   int64
	transcriptionsOK   int64
	transcriptionsFail int64
)

// IncIngested records a successfully archived Call Record.
func IncIngested() { atomic.AddInt64(&filesIngested, 1) }

// IncQuarantined records a file moved to failed_directory.
func IncQuarantined() { atomic.AddInt64(&filesQuarantined, 1) }

// IncTranscriptionOK records a completed transcription.
func IncTranscriptionOK() { atomic.AddInt64(&transcriptionsOK, 1) }

// IncTranscriptionFailed records a failed transcription.
func IncTranscriptionFailed() { atomic.AddInt64(&transcriptionsFail, 1) }

// Snapshot returns the current counter values for /ops/status.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"files_ingested":      atomic.LoadInt64(&filesIngested),
		"files_quarantined":   atomic.LoadInt64(&filesQuarantined),
		"transcriptions_ok":   atomic.LoadInt64(&transcriptionsOK),
		"transcriptions_fail": atomic.LoadInt64(&transcriptionsFail),
	}
}
