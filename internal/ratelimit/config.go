// Package ratelimit caps how often one actor may call the consent gate in a
// fixed window, per request category.
package ratelimit

import "time"

// Request categories.
const (
	CategoryCheck   = "check"
	CategoryConsent = "consent"
	CategoryUsage   = "usage"
)

// Limit defines the rate limit for a single request category.
// Zero values mean no limit for that category.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Config maps request categories to their limits for one actor.
type Config map[string]*Limit

// HasLimits returns true if any category has a configured limit.
func (c Config) HasLimits() bool {
	for _, l := range c {
		if l.active() {
			return true
		}
	}
	return false
}

func (l *Limit) active() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}
