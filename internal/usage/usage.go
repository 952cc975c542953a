// Package usage records permitted actions taken against governed entities
// and aggregates them for revenue attribution.
//
// Recording is best-effort. A Recorder never blocks the gated action and its
// failures are logged, never returned to the caller of the gate.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/consentgate/internal/model"
)

var (
	// ErrQueueFull means the record was dropped because the queue was full.
	ErrQueueFull = errors.New("usage: queue full")
	// ErrClosed means the recorder no longer accepts records.
	ErrClosed = errors.New("usage: recorder closed")
)

// Recorder accepts usage records for delivery to the usage log.
type Recorder interface {
	Record(ctx context.Context, e model.UsageEntry) error
}

// Sink is the durable usage log records are delivered to.
type Sink interface {
	AppendUsage(ctx context.Context, e model.UsageEntry) error
}

// Source is the queryable side of the usage log.
type Source interface {
	ListUsage(ctx context.Context, ref model.EntityRef, f model.UsageFilter) ([]model.UsageEntry, error)
}

// Prepare validates e and fills ID and CreatedAt when unset.
func Prepare(e model.UsageEntry, now time.Time) (model.UsageEntry, error) {
	if err := e.Entity.Validate(); err != nil {
		return e, fmt.Errorf("usage: %w", err)
	}
	if !e.Action.Valid() {
		return e, fmt.Errorf("usage: unknown action %q", e.Action)
	}
	if e.Revenue != nil && *e.Revenue < 0 {
		return e, fmt.Errorf("usage: revenue must not be negative")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
