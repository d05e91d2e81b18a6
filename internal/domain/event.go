package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Timestamps are persisted as Unix nanoseconds, which bounds them to
// 1677-09-21 .. 2262-04-11.
var (
	MinEventTime = time.Unix(0, math.MinInt64).UTC()
	MaxEventTime = time.Unix(0, math.MaxInt64).UTC()
)

// StorableTime reports whether t fits the persisted timestamp range.
func StorableTime(t time.Time) bool {
	return !t.Before(MinEventTime) && !t.After(MaxEventTime)
}

type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// Rank orders severities so callers can raise but never lower a level.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// BaselineScore is the threat score of an event no detector fired on.
func (s Severity) BaselineScore() int {
	switch s {
	case SeverityCritical:
		return 70
	case SeverityWarning:
		return 25
	default:
		return 5
	}
}

// ParseSeverity accepts any casing of the three levels.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, true
	case "warning", "warn":
		return SeverityWarning, true
	case "critical":
		return SeverityCritical, true
	}
	return "", false
}

type EventType string

const (
	EventFailedLogin        EventType = "failed-login"
	EventSuccessfulLogin    EventType = "successful-login"
	EventAccountCreated     EventType = "account-created"
	EventGroupModified      EventType = "group-modified"
	EventServiceInstalled   EventType = "service-installed"
	EventAuditPolicyChanged EventType = "audit-policy-changed"
	EventPrivilegeAssigned  EventType = "privilege-assigned"
	EventFileCreated        EventType = "file-created"
	EventFileModified       EventType = "file-modified"
	EventFileDeleted        EventType = "file-deleted"
	EventConnectionObserved EventType = "connection-observed"
	EventResourceSpike      EventType = "resource-spike"
)

var knownEventTypes = map[EventType]struct{}{
	EventFailedLogin:        {},
	EventSuccessfulLogin:    {},
	EventAccountCreated:     {},
	EventGroupModified:      {},
	EventServiceInstalled:   {},
	EventAuditPolicyChanged: {},
	EventPrivilegeAssigned:  {},
	EventFileCreated:        {},
	EventFileModified:       {},
	EventFileDeleted:        {},
	EventConnectionObserved: {},
	EventResourceSpike:      {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

func (t EventType) IsFileMutation() bool {
	return t == EventFileCreated || t == EventFileModified || t == EventFileDeleted
}

// Subject holds the correlation attributes a producer extracted from the
// native signal. Detectors key their windows on these fields.
type Subject struct {
	User       string `json:"user,omitempty" msgpack:"user,omitempty"`
	SourceIP   string `json:"source_ip,omitempty" msgpack:"source_ip,omitempty"`
	Path       string `json:"path,omitempty" msgpack:"path,omitempty"`
	Group      string `json:"group,omitempty" msgpack:"group,omitempty"`
	Service    string `json:"service,omitempty" msgpack:"service,omitempty"`
	RemotePort int    `json:"remote_port,omitempty" msgpack:"remote_port,omitempty"`
}

// Identity is the user when known, otherwise the source address.
func (s Subject) Identity() string {
	if s.User != "" {
		return strings.ToLower(s.User)
	}
	return s.SourceIP
}

func (s Subject) IsZero() bool {
	return s == Subject{}
}

// Event is one observed host signal. Once persisted only its threat score is
// written, once, after analysis.
type Event struct {
	ID          int64           `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        EventType       `json:"type"`
	Severity    Severity        `json:"severity"`
	Source      string          `json:"source"`
	NativeID    int             `json:"native_id,omitempty"`
	Description string          `json:"description"`
	Subject     Subject         `json:"subject,omitempty"`
	Stat        *SystemStat     `json:"stat,omitempty"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	ThreatScore int             `json:"threat_score"`
}

// ThreatBand classifies a 0-100 score.
type ThreatBand string

const (
	BandLow      ThreatBand = "low"
	BandMedium   ThreatBand = "medium"
	BandHigh     ThreatBand = "high"
	BandCritical ThreatBand = "critical"
)

func BandFor(score int) ThreatBand {
	switch {
	case score >= 80:
		return BandCritical
	case score >= 50:
		return BandHigh
	case score >= 30:
		return BandMedium
	default:
		return BandLow
	}
}

func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// EventFilter selects events from the store. Zero values mean "any".
type EventFilter struct {
	Severity   Severity
	TypePrefix string
	Since      time.Time
	Keyword    string
	Limit      int
}

// EventCounts summarizes stored events.
type EventCounts struct {
	Total      int64               `json:"total"`
	BySeverity map[Severity]int64  `json:"by_severity"`
	ByType     map[EventType]int64 `json:"by_type"`
}

func (c EventCounts) Critical() int64 {
	return c.BySeverity[SeverityCritical]
}
