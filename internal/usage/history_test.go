package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
)

func TestHistoryTotalsRevenueNewestFirst(t *testing.T) {
	store := ledger.NewMemoryStore(clock)
	ctx := context.Background()
	revenues := []*float64{rev(10), rev(0), rev(5)}
	for i, r := range revenues {
		store.AppendUsage(ctx, model.UsageEntry{
			ID:        string(rune('a' + i)),
			Entity:    storyRef,
			Action:    model.UseCommercial,
			Revenue:   r,
			CreatedAt: testNow.Add(time.Duration(i) * time.Hour),
		})
	}

	h, err := History(ctx, store, storyRef, model.UsageFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.TotalRevenue != 15 {
		t.Errorf("expected total revenue 15, got %v", h.TotalRevenue)
	}
	if len(h.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(h.Entries))
	}
	if h.Entries[0].ID != "c" || h.Entries[2].ID != "a" {
		t.Errorf("expected reverse chronological order, got %s..%s", h.Entries[0].ID, h.Entries[2].ID)
	}
}

func TestHistoryEmpty(t *testing.T) {
	h, err := History(context.Background(), ledger.NewMemoryStore(clock), storyRef, model.UsageFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.Entries == nil || len(h.Entries) != 0 || h.TotalRevenue != 0 {
		t.Errorf("expected empty non-nil history, got %+v", h)
	}
}

func TestHistoryRejectsBadFilter(t *testing.T) {
	src := ledger.NewMemoryStore(clock)
	ctx := context.Background()

	tests := []model.UsageFilter{
		{Action: "resell"},
		{Limit: -1},
		{Since: testNow, Until: testNow.Add(-time.Second)},
	}
	for _, f := range tests {
		if _, err := History(ctx, src, storyRef, f); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("expected ErrInvalidFilter for filter %+v, got %v", f, err)
		}
	}
	if _, err := History(ctx, src, model.EntityRef{}, model.UsageFilter{}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter for empty entity, got %v", err)
	}
}

func TestHistoryLimitKeepsFullRevenueTotal(t *testing.T) {
	store := ledger.NewMemoryStore(clock)
	ctx := context.Background()
	for i, r := range []float64{10, 0, 5} {
		store.AppendUsage(ctx, model.UsageEntry{
			ID:        string(rune('a' + i)),
			Entity:    storyRef,
			Action:    model.UseCommercial,
			Revenue:   rev(r),
			CreatedAt: testNow.Add(time.Duration(i) * time.Hour),
		})
	}

	h, err := History(ctx, store, storyRef, model.UsageFilter{Limit: 1})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.Entries) != 1 || h.Entries[0].ID != "c" {
		t.Fatalf("expected only the newest entry, got %+v", h.Entries)
	}
	if h.TotalRevenue != 15 {
		t.Errorf("expected total revenue 15 across all matching entries, got %v", h.TotalRevenue)
	}
}

type downSource struct{}

func (downSource) ListUsage(context.Context, model.EntityRef, model.UsageFilter) ([]model.UsageEntry, error) {
	return nil, errors.New("connection refused")
}

func TestHistoryStoreFailureIsNotAFilterError(t *testing.T) {
	_, err := History(context.Background(), downSource{}, storyRef, model.UsageFilter{})
	if err == nil {
		t.Fatal("expected store error")
	}
	if errors.Is(err, ErrInvalidFilter) {
		t.Errorf("store failure must not be reported as a bad filter: %v", err)
	}
}
