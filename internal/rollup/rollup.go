// Package rollup computes per-system, per-UTC-day Call Record counts for
// the ops browsing surface — the grouping/counting half of the teacher's
// rollups package, stripped of its geospatial clustering and LLM narrative
// generation (neither has an analog here).
package rollup

import (
	"context"
	"sort"

	"sdrtrunk-monitor/internal/store"
)

// DayCount is one system's Call Record count for a single UTC day.
type DayCount struct {
	SystemID string `json:"system_id"`
	Day      string `json:"day"`
	Count    int    `json:"count"`
}

// Counter is the subset of store.Store rollup needs.
type Counter interface {
	CountBySystemDay(ctx context.Context) (map[string]map[string]int, error)
}

// Compute recomputes the per-system/per-day rollup on demand, sorted by
// system id then day for a stable /ops/rollups response.
func Compute(ctx context.Context, counter Counter) ([]DayCount, error) {
	grouped, err := counter.CountBySystemDay(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DayCount, 0)
	for systemID, days := range grouped {
		for day, count := range days {
			out = append(out, DayCount{SystemID: systemID, Day: day, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SystemID != out[j].SystemID {
			return out[i].SystemID < out[j].SystemID
		}
		return out[i].Day < out[j].Day
	})
	return out, nil
}

var _ Counter = (*store.Store)(nil)
