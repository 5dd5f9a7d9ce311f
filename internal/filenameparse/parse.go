// Package filenameparse extracts capture metadata from the upstream
// scanner-radio filename convention:
//
//	<YYYYMMDD>_<HHMMSS>_<system_label>_TG<talkgroup>_FROM_<radio_id>.<ext>
//
// Missing or unparseable fields are tolerated and recorded as null (spec
// §6), so ingestion never rejects a file solely because its name is
// malformed.
package filenameparse

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Fields holds whatever could be extracted from a filename. Pointer fields
// are nil when the corresponding portion was absent or failed to parse.
type Fields struct {
	CaptureTime   *time.Time
	SystemLabel   *string
	TalkgroupID   *int32
	SourceRadioID *int64
	Extension     string
}

var pattern = regexp.MustCompile(
	`^(\d{8})_(\d{6})_([A-Za-z0-9_-]+?)_TG(\d+)_FROM_(\d+)$`,
)

// Parse extracts Fields from the basename of path (extension included).
// Any field the pattern cannot recognize is left nil rather than causing an
// error; a basename with no recognizable part (including an empty one)
// yields a zero-value Fields aside from Extension.
func Parse(path string) Fields {
	base := filepath.Base(path)
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	f := Fields{Extension: strings.ToLower(ext)}

	if m := pattern.FindStringSubmatch(stem); m != nil {
		if t, err := time.Parse("20060102150405", m[1]+m[2]); err == nil {
			f.CaptureTime = &t
		}
		label := m[3]
		f.SystemLabel = &label
		if tg, err := strconv.ParseInt(m[4], 10, 32); err == nil {
			tg32 := int32(tg)
			f.TalkgroupID = &tg32
		}
		if radio, err := strconv.ParseInt(m[5], 10, 64); err == nil {
			f.SourceRadioID = &radio
		}
		return f
	}

	// Fall back to a tolerant best-effort split: grab what we can from a
	// loosely-delimited name instead of leaving everything null.
	parts := strings.Split(stem, "_")
	if len(parts) == 0 {
		return f
	}
	if len(parts) >= 2 {
		if t, err := time.Parse("20060102150405", parts[0]+parts[1]); err == nil {
			f.CaptureTime = &t
		}
	}
	for i, p := range parts {
		upper := strings.ToUpper(p)
		switch {
		case strings.HasPrefix(upper, "TG") && len(upper) > 2:
			if tg, err := strconv.ParseInt(upper[2:], 10, 32); err == nil {
				tg32 := int32(tg)
				f.TalkgroupID = &tg32
			}
		case upper == "FROM" && i+1 < len(parts):
			if radio, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				f.SourceRadioID = &radio
			}
		}
	}
	if len(parts) >= 3 && f.SystemLabel == nil {
		label := parts[2]
		if label != "" {
			f.SystemLabel = &label
		}
	}
	return f
}
