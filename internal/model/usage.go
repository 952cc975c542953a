package model

import (
	"sort"
	"time"
)

// UsageEntry records one permitted action taken against an entity.
// Usage entries are immutable.
type UsageEntry struct {
	ID          string       `json:"id"`
	Seq         int64        `json:"seq,omitempty"`
	Entity      EntityRef    `json:"entity"`
	Action      PermittedUse `json:"action"`
	ActorID     string       `json:"user_id,omitempty"`
	Revenue     *float64     `json:"revenue_generated,omitempty"`
	QueryText   string       `json:"query_text,omitempty"`
	Destination string       `json:"destination,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// UsageFilter narrows a usage history query. Zero fields are unbounded.
type UsageFilter struct {
	Action PermittedUse `json:"action,omitempty"`
	Since  time.Time    `json:"since,omitempty"`
	Until  time.Time    `json:"until,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}

// Matches reports whether e satisfies the filter. Time bounds are inclusive.
func (f UsageFilter) Matches(e UsageEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// UsageHistory is the aggregated usage of one entity.
type UsageHistory struct {
	Entity       EntityRef    `json:"entity"`
	Entries      []UsageEntry `json:"entries"`
	TotalRevenue float64      `json:"total_revenue"`
}

// SortUsageNewestFirst orders entries by creation time descending, breaking
// ties on Seq so equal timestamps keep insertion order reversed.
func SortUsageNewestFirst(entries []UsageEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Seq > entries[j].Seq
	})
}

// Summarize sorts entries newest first and totals their revenue.
func Summarize(ref EntityRef, entries []UsageEntry) *UsageHistory {
	if entries == nil {
		entries = []UsageEntry{}
	}
	SortUsageNewestFirst(entries)
	h := &UsageHistory{Entity: ref, Entries: entries}
	for _, e := range entries {
		if e.Revenue != nil {
			h.TotalRevenue += *e.Revenue
		}
	}
	return h
}
