package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	severityLabel := severityLabelFor(event.Severity)

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("poppobuilderd: %s", event.Kind),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Source:* %s", event.Source)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Metric:* %s", event.Metric)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %d (%s)", event.Severity, severityLabel)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "info"
	switch {
	case event.Severity >= 3:
		severity = "critical"
	case event.Severity >= 2:
		severity = "error"
	case event.Severity >= 1:
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("poppobuilderd %s: %s", event.Kind, event.Metric),
			"severity": severity,
			"source":   "poppobuilderd",
			"custom_details": map[string]any{
				"source":    event.Source,
				"metric":    event.Metric,
				"severity":  event.Severity,
				"reason":    event.Reason,
				"value":     event.Value,
				"threshold": event.Threshold,
			},
		},
	}
	return json.Marshal(payload)
}

func severityLabelFor(severity int) string {
	switch severity {
	case 0:
		return "info"
	case 1:
		return "warning"
	case 2:
		return "error"
	case 3:
		return "critical"
	default:
		return "unknown"
	}
}
