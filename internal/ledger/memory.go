package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ppiankov/consentgate/internal/model"
)

// MemoryStore keeps the ledger and usage log in process memory.
// Used by tests, scenario runs, and the "memory" store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[model.EntityRef][]*model.Entry
	usage   map[model.EntityRef][]model.UsageEntry
	usageID map[string]bool
	seq     int64
	now     func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[model.EntityRef][]*model.Entry),
		usage:   make(map[model.EntityRef][]model.UsageEntry),
		usageID: make(map[string]bool),
		now:     now,
	}
}

func (s *MemoryStore) Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[ref]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, in model.ConsentInput) (*model.Entry, error) {
	now := s.now().UTC()
	if err := Validate(in, now); err != nil {
		return nil, err
	}
	e := newEntry(in, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.Seq = s.seq
	s.entries[in.Entity] = append(s.entries[in.Entity], &e)

	cp := e
	return &cp, nil
}

func (s *MemoryStore) RevokeCurrent(ctx context.Context, ref model.EntityRef, rev model.Revocation) (*model.Entry, error) {
	if err := validateRevocation(rev); err != nil {
		return nil, err
	}
	cur, err := s.Current(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rev.At.IsZero() {
		rev.At = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Compare-and-set: only the entry read above may be revoked.
	list := s.entries[ref]
	latest := list[len(list)-1]
	if latest.Seq != cur.Seq {
		return nil, ErrSuperseded
	}
	if !latest.Revoked {
		at := rev.At
		latest.Revoked = true
		latest.RevokedAt = &at
		latest.RevokedBy = rev.RevokedBy
		latest.RevocationReason = rev.Reason
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) History(ctx context.Context, ref model.EntityRef) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[ref]
	out := make([]model.Entry, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, *list[i])
	}
	return out, nil
}

// AppendUsage stores a usage record. Records with an already-seen ID are ignored.
func (s *MemoryStore) AppendUsage(ctx context.Context, e model.UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID != "" && s.usageID[e.ID] {
		return nil
	}
	s.seq++
	e.Seq = s.seq
	if e.ID != "" {
		s.usageID[e.ID] = true
	}
	s.usage[e.Entity] = append(s.usage[e.Entity], e)
	return nil
}

// ListUsage returns usage records matching the filter, newest first.
func (s *MemoryStore) ListUsage(ctx context.Context, ref model.EntityRef, f model.UsageFilter) ([]model.UsageEntry, error) {
	s.mu.RLock()
	var out []model.UsageEntry
	for _, e := range s.usage[ref] {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	model.SortUsageNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
