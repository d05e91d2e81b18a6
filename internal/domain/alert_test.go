package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertToJSON(t *testing.T) {
	alert := &Alert{
		ID:              7,
		EventID:         42,
		AlertType:       PatternBruteForce,
		CorrelationKey:  "brute-force:alice",
		Score:           68,
		Message:         "6 failed logins for alice in 5m0s",
		Recommendations: []string{"Lock the account"},
		TriggeredAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	jsonBytes, err := alert.ToJSON()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &parsed))

	assert.Equal(t, "brute-force", parsed["alert_type"])
	assert.Equal(t, "brute-force:alice", parsed["correlation_key"])
	assert.Equal(t, float64(68), parsed["score"])
	assert.Equal(t, false, parsed["acknowledged"])
}

func TestAlertToJSONPretty(t *testing.T) {
	alert := &Alert{AlertType: PatternRansomware, Score: 100}

	jsonBytes, err := alert.ToJSONPretty()
	require.NoError(t, err)

	assert.Contains(t, string(jsonBytes), "\n")
}

func TestAlertDedupKey(t *testing.T) {
	a := &Alert{AlertType: PatternRansomware, CorrelationKey: "ransomware:/srv/share"}
	assert.Equal(t, DedupKey(PatternRansomware, "ransomware:/srv/share"), a.DedupKey())
	assert.NotEqual(t, DedupKey("a", "b|c"), DedupKey("a|b", "d"))
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score    int
		expected ThreatBand
	}{
		{0, BandLow},
		{29, BandLow},
		{30, BandMedium},
		{49, BandMedium},
		{50, BandHigh},
		{79, BandHigh},
		{80, BandCritical},
		{100, BandCritical},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, BandFor(tc.score), "score %d", tc.score)
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0, ClampScore(-3))
	assert.Equal(t, 55, ClampScore(55))
	assert.Equal(t, 100, ClampScore(140))
}

func TestStorableTime(t *testing.T) {
	assert.True(t, StorableTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, StorableTime(MinEventTime))
	assert.True(t, StorableTime(MaxEventTime))
	assert.False(t, StorableTime(time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, StorableTime(time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, 5, SeverityInfo.BaselineScore())
	assert.Equal(t, 25, SeverityWarning.BaselineScore())
	assert.Equal(t, 70, SeverityCritical.BaselineScore())

	assert.Greater(t, SeverityCritical.Rank(), SeverityWarning.Rank())
	assert.Greater(t, SeverityWarning.Rank(), SeverityInfo.Rank())

	sev, ok := ParseSeverity(" WARN ")
	assert.True(t, ok)
	assert.Equal(t, SeverityWarning, sev)

	_, ok = ParseSeverity("loud")
	assert.False(t, ok)
	assert.False(t, Severity("loud").Valid())
}

func TestEventType(t *testing.T) {
	assert.True(t, EventFailedLogin.Valid())
	assert.False(t, EventType("port-scan").Valid())
	assert.True(t, EventFileDeleted.IsFileMutation())
	assert.False(t, EventServiceInstalled.IsFileMutation())
}

func TestSubjectIdentity(t *testing.T) {
	assert.Equal(t, "alice", Subject{User: "Alice", SourceIP: "10.0.0.1"}.Identity())
	assert.Equal(t, "10.0.0.1", Subject{SourceIP: "10.0.0.1"}.Identity())
	assert.True(t, Subject{}.IsZero())
}

func TestDetectionRelatedEventIDs(t *testing.T) {
	d := &Detection{Related: []*Event{{ID: 3}, {ID: 0}, nil, {ID: 9}}}
	assert.Equal(t, []int64{3, 9}, d.RelatedEventIDs())

	var none *Detection
	assert.Nil(t, none.RelatedEventIDs())
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("append event: %w", NewStorageError("append_event", cause))

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "append_event", se.Op)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NewStorageError("noop", nil))

	fault := &DetectorFault{Detector: "ransomware", EventType: EventFileCreated, Panic: "boom"}
	assert.Contains(t, fault.Error(), "ransomware")

	cfgErr := &ConfigurationError{Field: "queue.capacity", Value: 0, Reason: "must be positive"}
	assert.Contains(t, cfgErr.Error(), "queue.capacity")
}
