package duration

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMp3Frame constructs a minimal, valid MPEG1 Layer III frame header
// (128kbps, 44100Hz, no padding) followed by frameSize-4 bytes of silence,
// matching the byte layout parseMp3Header expects.
func buildMp3Frame(t *testing.T) []byte {
	t.Helper()
	header := []byte{0xFF, 0xFB, 0x90, 0x00}
	hdr, ok := parseMp3Header(header)
	if !ok {
		t.Fatalf("expected test header to parse")
	}
	frame := make([]byte, hdr.frameSize)
	copy(frame, header)
	return frame
}

func TestEstimateFromSyntheticMp3Frames(t *testing.T) {
	frame := buildMp3Frame(t)
	var data []byte
	for i := 0; i < 10; i++ {
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "sample.mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}

	seconds, _, err := Estimate(path)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if seconds <= 0 {
		t.Fatalf("expected positive duration, got %f", seconds)
	}
}

func TestEstimateRejectsUnrelatedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.bin")
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint32(buf, 0xDEADBEEF)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write noise: %v", err)
	}

	if _, _, err := Estimate(path); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported for non-audio bytes, got %v", err)
	}
}

func TestEstimateFallsBackOnCorruptSyncByte(t *testing.T) {
	// Starts with the MP3 sync byte but the rest of the header is garbage;
	// mirrors the original's last-resort voice-bitrate estimate.
	data := append([]byte{0xFF, 0x00, 0x00, 0x00}, make([]byte, 4096)...)
	path := filepath.Join(t.TempDir(), "corrupt.mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write corrupt sample: %v", err)
	}

	seconds, _, err := Estimate(path)
	if err != nil {
		t.Fatalf("expected fallback estimate, got error: %v", err)
	}
	if seconds <= 0 {
		t.Fatalf("expected positive fallback duration, got %f", seconds)
	}
}

func TestParseMp3HeaderRejectsShortInput(t *testing.T) {
	if _, ok := parseMp3Header([]byte{0xFF, 0xFB}); ok {
		t.Fatalf("expected short input to fail to parse")
	}
}
