package alert

// Event names a webhook can subscribe to.
const (
	EventDeny           = "deny"
	EventSystemError    = "system_error"
	EventRevoked        = "revoked"
	EventConsentUpdated = "consent_updated"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["deny", "system_error", "revoked"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason"`
	ConfigHash string `json:"config_hash,omitempty"`
	Type       string `json:"type,omitempty"` // "revoked", "system_error", "consent_updated"
}
