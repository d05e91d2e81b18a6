package domain

import (
	"encoding/json"
	"time"
)

// Alert is a persisted, deduplicated notification derived from a Detection.
// Acknowledgement is the only mutation it ever sees.
type Alert struct {
	ID              int64     `json:"id"`
	EventID         int64     `json:"event_id"`
	AlertType       string    `json:"alert_type"`
	CorrelationKey  string    `json:"correlation_key"`
	Score           int       `json:"score"`
	Message         string    `json:"message"`
	Recommendations []string  `json:"recommendations,omitempty"`
	TriggeredAt     time.Time `json:"triggered_at"`
	Acknowledged    bool      `json:"acknowledged"`
}

func (a *Alert) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

func (a *Alert) ToJSONPretty() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// Band returns the threat band of the alert score.
func (a *Alert) Band() ThreatBand {
	return BandFor(a.Score)
}

// DedupKey identifies the attack instance an alert belongs to.
func (a *Alert) DedupKey() string {
	return DedupKey(a.AlertType, a.CorrelationKey)
}

func DedupKey(alertType, correlationKey string) string {
	return alertType + "|" + correlationKey
}

// AlertFilter selects alerts from the store.
type AlertFilter struct {
	Acknowledged *bool
	Limit        int
}
