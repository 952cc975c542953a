package alert

import (
	"context"
	"log"
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	logger  *log.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, logger *log.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Matching is based on event.Decision or event.Type.
// Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			go d.send(cfg, event)
		}
	}
}

func (d *Dispatcher) send(cfg AlertConfig, event AlertEvent) {
	if err := Send(context.Background(), cfg, event); err != nil && d.logger != nil {
		d.logger.Printf("alert %s: %v", eventName(event), err)
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if event.Decision != "" && e == event.Decision {
			return true
		}
		if event.Type != "" && e == event.Type {
			return true
		}
	}
	return false
}

func eventName(event AlertEvent) string {
	if event.Type != "" {
		return event.Type
	}
	return event.Decision
}
