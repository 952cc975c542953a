package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/consentgate/internal/model"
)

// ErrInvalidFilter means a usage history query was malformed.
var ErrInvalidFilter = errors.New("usage: invalid filter")

// History returns the usage entries of ref matching f, newest first, with
// their revenue total. The total covers every matching entry; f.Limit only
// caps the entries returned.
func History(ctx context.Context, src Source, ref model.EntityRef, f model.UsageFilter) (*model.UsageHistory, error) {
	if err := validateFilter(ref, f); err != nil {
		return nil, err
	}

	all := f
	all.Limit = 0
	entries, err := src.ListUsage(ctx, ref, all)
	if err != nil {
		return nil, fmt.Errorf("usage: list: %w", err)
	}
	h := model.Summarize(ref, entries)
	if f.Limit > 0 && len(h.Entries) > f.Limit {
		h.Entries = h.Entries[:f.Limit]
	}
	return h, nil
}

func validateFilter(ref model.EntityRef, f model.UsageFilter) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if f.Action != "" && !f.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, f.Action)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidFilter)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("%w: until is before since", ErrInvalidFilter)
	}
	return nil
}
