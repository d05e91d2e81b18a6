package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

func testAlert(id int64, score int) *domain.Alert {
	return &domain.Alert{
		ID:              id,
		EventID:         id * 10,
		AlertType:       "brute-force",
		CorrelationKey:  "admin",
		Score:           score,
		Message:         "5 failed logins for admin",
		Recommendations: []string{"Lock the account"},
		TriggeredAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testEvent(severity domain.Severity) *domain.Event {
	return &domain.Event{
		ID:          7,
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Type:        domain.EventFailedLogin,
		Severity:    severity,
		Source:      "authlog:sshd",
		Description: "Failed password for admin",
		Subject:     domain.Subject{User: "admin", SourceIP: "203.0.113.9"},
	}
}

func TestJSONAlerter_WritesAlertLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alerts.jsonl")
	alerter, err := NewJSONAlerter(JSONAlerterConfig{FilePath: path})
	require.NoError(t, err)

	alerter.OnEvent(testEvent(domain.SeverityWarning), nil)
	alerter.OnEvent(testEvent(domain.SeverityWarning), testAlert(1, 60))
	require.NoError(t, alerter.Send(context.Background(), testAlert(2, 85)))
	assert.Equal(t, int64(2), alerter.Written())

	require.NoError(t, alerter.Close())
	require.NoError(t, alerter.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var alert domain.Alert
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &alert))
		ids = append(ids, alert.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestJSONAlerter_FlushAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":99}\n"), 0o600))

	alerter, err := NewJSONAlerter(JSONAlerterConfig{FilePath: path})
	require.NoError(t, err)
	defer alerter.Close()

	require.NoError(t, alerter.Send(context.Background(), testAlert(1, 40)))
	require.NoError(t, alerter.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
}

func TestJSONAlerter_Discard(t *testing.T) {
	alerter, err := NewJSONAlerter(JSONAlerterConfig{})
	require.NoError(t, err)
	require.NoError(t, alerter.Send(context.Background(), testAlert(1, 10)))
	require.NoError(t, alerter.Close())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

// lockedBuffer is a log sink safe for the periodic flusher goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	logs := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(logs)
	t.Cleanup(func() { log.Logger = prev })
	return logs
}

func TestJSONAlerter_WriteFailureIsLogged(t *testing.T) {
	logs := captureLogs(t)

	alerter := newJSONAlerter(failingWriter{}, nil, false)
	alert := testAlert(7, 90)
	// Larger than the write buffer, so the failure surfaces on Send.
	alert.Message = strings.Repeat("x", 70*1024)

	alerter.OnEvent(testEvent(domain.SeverityCritical), alert)

	assert.Contains(t, logs.String(), "Failed to write alert")
	assert.Contains(t, logs.String(), `"alert_id":7`)
	assert.Zero(t, alerter.Written())
	assert.Error(t, alerter.Close())
}

func TestMemoryAlerter_RingBuffer(t *testing.T) {
	alerter := NewMemoryAlerter(3)
	assert.Empty(t, alerter.GetAlerts())
	assert.Empty(t, alerter.GetLatestAlerts(2))

	for i := int64(1); i <= 5; i++ {
		alerter.OnEvent(testEvent(domain.SeverityInfo), testAlert(i, 50))
	}
	alerter.OnEvent(testEvent(domain.SeverityInfo), nil)

	assert.Equal(t, 3, alerter.Count())
	ids := func(alerts []*domain.Alert) []int64 {
		out := make([]int64, len(alerts))
		for i, a := range alerts {
			out[i] = a.ID
		}
		return out
	}
	assert.Equal(t, []int64{3, 4, 5}, ids(alerter.GetAlerts()))
	assert.Equal(t, []int64{4, 5}, ids(alerter.GetLatestAlerts(2)))
	assert.Equal(t, []int64{3, 4, 5}, ids(alerter.GetLatestAlerts(0)))

	alerter.Clear()
	assert.Zero(t, alerter.Count())
}

type fakeQueue struct {
	running bool
	length  int
	cap     int
}

func (q *fakeQueue) IsRunning() bool    { return q.running }
func (q *fakeQueue) QueueLength() int   { return q.length }
func (q *fakeQueue) QueueCapacity() int { return q.cap }
func (q *fakeQueue) QueueUtilization() float64 {
	if q.cap == 0 {
		return 0
	}
	return float64(q.length) / float64(q.cap) * 100
}

func TestPrometheusMetrics_Counters(t *testing.T) {
	m := NewPrometheusMetrics("test")
	m.RegisterQueue(&fakeQueue{length: 12, cap: 100})

	m.IncrementEventsProcessedByResult("clean")
	m.IncrementEventsProcessedByResult("clean")
	m.IncrementEventsProcessedByResult("alerted")
	m.IncrementDetectorFaults("ransomware")
	m.IncrementBackpressure("")
	m.ObserveProcessingTime(0.002)

	m.OnEvent(testEvent(domain.SeverityWarning), nil)
	m.OnEvent(testEvent(domain.SeverityCritical), testAlert(1, 85))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsByResult.WithLabelValues("clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsByResult.WithLabelValues("alerted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectorFaults.WithLabelValues("ransomware")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backpressure.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsBySeverity.WithLabelValues("Critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsByType.WithLabelValues("brute-force")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsByBand.WithLabelValues("critical")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "test_queue_depth 12")
	assert.Contains(t, body, "test_queue_capacity 100")
	assert.Contains(t, body, "test_processing_duration_seconds_count 1")
}

func TestPrometheusMetrics_IndependentRegistries(t *testing.T) {
	a := NewPrometheusMetrics("")
	b := NewPrometheusMetrics("")
	a.IncrementEventsProcessedByResult("clean")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.eventsByResult.WithLabelValues("clean")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.eventsByResult.WithLabelValues("clean")))
}

func TestPrometheusMetrics_ServerLifecycle(t *testing.T) {
	m := NewPrometheusMetrics("")
	require.NoError(t, m.StartServer(MetricsConfig{Addr: "127.0.0.1:0"}, nil))
	assert.Error(t, m.StartServer(MetricsConfig{Addr: "127.0.0.1:0"}, nil))
	require.NoError(t, m.StopServer())
	require.NoError(t, m.StopServer())
}

func TestHealthChecker_Statuses(t *testing.T) {
	tests := []struct {
		name    string
		queue   *fakeQueue
		healthy bool
		status  string
	}{
		{"offline", &fakeQueue{running: false, cap: 100}, false, "OFFLINE"},
		{"healthy", &fakeQueue{running: true, length: 10, cap: 100}, true, "HEALTHY"},
		{"degraded", &fakeQueue{running: true, length: 85, cap: 100}, true, "DEGRADED"},
		{"saturated", &fakeQueue{running: true, length: 99, cap: 100}, false, "SATURATED"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthChecker(tc.queue, nil, DefaultHealthCheckerConfig())
			status := h.Check()
			assert.Equal(t, tc.healthy, status.Healthy)
			assert.Equal(t, tc.status, status.Status)
		})
	}
}

func TestHealthChecker_NilPipeline(t *testing.T) {
	h := NewHealthChecker(nil, nil, DefaultHealthCheckerConfig())
	assert.Equal(t, "OFFLINE", h.Check().Status)
}

func TestHealthChecker_RejectionsDegrade(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	metrics := domain.NewPipelineMetrics()
	queue := &fakeQueue{running: true, length: 1, cap: 100}
	h := NewHealthChecker(queue, metrics, HealthCheckerConfig{
		CheckInterval: time.Second,
		Clock:         func() time.Time { return now },
	})

	assert.Equal(t, "HEALTHY", h.Check().Status)

	metrics.IncrementRejected()
	assert.Equal(t, "HEALTHY", h.Check().Status, "cached within the interval")

	now = now.Add(2 * time.Second)
	status := h.Check()
	assert.Equal(t, "DEGRADED", status.Status)
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(1), status.EventsRejected)

	now = now.Add(2 * time.Second)
	assert.Equal(t, "HEALTHY", h.Check().Status, "only new rejections count")
}

func TestHealthChecker_ServeHTTP(t *testing.T) {
	h := NewHealthChecker(&fakeQueue{running: true, cap: 10}, nil, DefaultHealthCheckerConfig())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "HEALTHY", status.Status)

	offline := NewHealthChecker(&fakeQueue{}, nil, DefaultHealthCheckerConfig())
	rec = httptest.NewRecorder()
	offline.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConsoleSubscriber_AlertsOnly(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSubscriber(&buf, true)

	c.OnEvent(testEvent(domain.SeverityWarning), nil)
	assert.Empty(t, buf.String())

	c.OnEvent(testEvent(domain.SeverityWarning), testAlert(3, 85))
	out := buf.String()
	assert.Contains(t, out, "ALERT #3 CRITICAL")
	assert.Contains(t, out, "brute-force")
	assert.Contains(t, out, "Lock the account")
}

func TestConsoleSubscriber_EventLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSubscriber(&buf, false)

	event := testEvent(domain.SeverityCritical)
	event.Description = "Failed password\x1b[2J for admin"
	c.OnEvent(event, nil)

	out := buf.String()
	assert.Contains(t, out, "failed-login")
	assert.Contains(t, out, "subject=admin")
	assert.NotContains(t, out, "\x1b[2J")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestConsoleSubscriber_Summaries(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleSubscriber(&buf, false)

	c.PrintCounts(domain.EventCounts{
		Total:      3,
		BySeverity: map[domain.Severity]int64{domain.SeverityCritical: 1, domain.SeverityInfo: 2},
		ByType:     map[domain.EventType]int64{domain.EventFailedLogin: 2, domain.EventFileDeleted: 1},
	}, 4)
	c.PrintPipeline(domain.MetricsSnapshot{EventsProcessed: 10, AlertsCreated: 2})

	out := buf.String()
	assert.Contains(t, out, "total=3 unacknowledged_alerts=4")
	assert.Less(t, strings.Index(out, "failed-login"), strings.Index(out, "file-deleted"))
	assert.Contains(t, out, "processed=10")
	assert.Contains(t, out, "alerts=2")
}
