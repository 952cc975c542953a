package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Category string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(count int, limit *Limit) CheckResult {
	if !limit.active() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{}
}

type key struct {
	actor    string
	category string
}

// Limiter tracks request counts per actor. Safe for concurrent use.
type Limiter struct {
	limits map[string]Config
	now    func() time.Time

	mu      sync.Mutex
	windows map[key]*window
}

// New returns a Limiter for limits keyed by actor; "*" applies to every actor
// without an entry of its own. Returns nil when nothing is limited.
func New(limits map[string]Config, now func() time.Time) *Limiter {
	active := false
	for _, c := range limits {
		if c.HasLimits() {
			active = true
		}
	}
	if !active {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{limits: limits, now: now, windows: make(map[key]*window)}
}

// Allow records one request by actor in category and reports whether the
// limit was exceeded. A rejected request is not counted.
//
// Lookup order: limits[actor] → limits["*"] → unlimited.
func (l *Limiter) Allow(actor, category string) CheckResult {
	if l == nil {
		return CheckResult{}
	}
	cfg, ok := l.limits[actor]
	if !ok {
		cfg = l.limits["*"]
	}
	limit := cfg[category]
	if !limit.active() {
		return CheckResult{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{actor: actor, category: category}
	w := l.windows[k]
	if w == nil {
		w = &window{start: l.now()}
		l.windows[k] = w
	}
	result := Check(w.snapshot(limit.Window, l.now()), limit)
	if result.Exceeded {
		result.Category = category
		return result
	}
	w.increment()
	return result
}
