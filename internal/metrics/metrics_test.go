package metrics

import "testing"

func TestSnapshotReflectsIncrements(t *testing.T) {
	before := Snapshot()
	IncIngested()
	IncQuarantined()
	IncTranscriptionOK()
	IncTranscriptionFailed()
	after := Snapshot()

	if after["files_ingested"] != before["files_ingested"]+1 {
		t.Fatalf("expected files_ingested to increment")
	}
	if after["files_quarantined"] != before["files_quarantined"]+1 {
		t.Fatalf("expected files_quarantined to increment")
	}
	if after["transcriptions_ok"] != before["transcriptions_ok"]+1 {
		t.Fatalf("expected transcriptions_ok to increment")
	}
	if after["transcriptions_fail"] != before["transcriptions_fail"]+1 {
		t.Fatalf("expected transcriptions_fail to increment")
	}
}
