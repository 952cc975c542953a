package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Entity:* %s:%s", event.EntityType, event.EntityID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", orDash(event.Action))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Actor:* %s", orDash(event.Actor))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.Code != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Code:* %s", event.Code)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("consentgate: %s", eventName(event)),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("consentgate %s: %s:%s", eventName(event), event.EntityType, event.EntityID),
			"severity": severityFor(event),
			"source":   "consentgate",
			"custom_details": map[string]any{
				"entity_type": event.EntityType,
				"entity_id":   event.EntityID,
				"action":      event.Action,
				"actor":       event.Actor,
				"code":        event.Code,
				"reason":      event.Reason,
				"config_hash": event.ConfigHash,
			},
		},
	}
	return json.Marshal(payload)
}

// severityFor ranks system errors above revocations above policy denials.
func severityFor(event AlertEvent) string {
	switch {
	case event.Type == EventSystemError || event.Code == "system_error":
		return "error"
	case event.Type == EventRevoked:
		return "warning"
	case event.Decision == EventDeny:
		return "warning"
	default:
		return "info"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
