package filenameparse

import "testing"

func TestParseWellFormedFilename(t *testing.T) {
	f := Parse("20240315_142530_Metro_TG52197_FROM_1234567.mp3")

	if f.CaptureTime == nil {
		t.Fatalf("expected capture time to be parsed")
	}
	if f.SystemLabel == nil || *f.SystemLabel != "Metro" {
		t.Fatalf("unexpected system label: %v", f.SystemLabel)
	}
	if f.TalkgroupID == nil || *f.TalkgroupID != 52197 {
		t.Fatalf("unexpected talkgroup id: %v", f.TalkgroupID)
	}
	if f.SourceRadioID == nil || *f.SourceRadioID != 1234567 {
		t.Fatalf("unexpected source radio id: %v", f.SourceRadioID)
	}
	if f.Extension != "mp3" {
		t.Fatalf("unexpected extension: %s", f.Extension)
	}
}

func TestParseTolerantOfMissingFields(t *testing.T) {
	f := Parse("not_a_recognized_pattern.wav")

	if f.Extension != "wav" {
		t.Fatalf("unexpected extension: %s", f.Extension)
	}
	// No assertion on other fields succeeding: the point is Parse must not
	// panic or error on a malformed name.
}

func TestParseEmptyBasename(t *testing.T) {
	f := Parse("")
	if f.Extension != "" {
		t.Fatalf("expected empty extension, got %s", f.Extension)
	}
}
