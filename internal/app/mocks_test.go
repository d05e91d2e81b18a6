package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory EventStore for pipeline tests.
type memStore struct {
	mu     sync.Mutex
	events []*domain.Event
	alerts []*domain.Alert
	stats  []*domain.SystemStat
	nextID int64

	failEvents atomic.Bool
	failAlerts atomic.Bool
	failScores atomic.Bool

	eventAppends atomic.Int64
	alertAppends atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{}
}

var errDiskFull = errors.New("disk full")

func (m *memStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	m.eventAppends.Add(1)
	if m.failEvents.Load() {
		return 0, domain.NewStorageError("append_event", errDiskFull)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *event
	cp.ID = m.nextID
	m.events = append(m.events, &cp)
	return m.nextID, nil
}

func (m *memStore) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) SetEventThreatScore(ctx context.Context, id int64, score int) error {
	if m.failScores.Load() {
		return domain.NewStorageError("set_event_threat_score", errDiskFull)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			e.ThreatScore = score
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) QueryEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.TypePrefix != "" && !strings.HasPrefix(string(e.Type), filter.TypePrefix) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountEvents(ctx context.Context) (domain.EventCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := domain.EventCounts{
		BySeverity: make(map[domain.Severity]int64),
		ByType:     make(map[domain.EventType]int64),
	}
	for _, e := range m.events {
		counts.Total++
		counts.BySeverity[e.Severity]++
		counts.ByType[e.Type]++
	}
	return counts, nil
}

func (m *memStore) PurgeEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

func (m *memStore) AppendAlert(ctx context.Context, alert *domain.Alert) (int64, error) {
	m.alertAppends.Add(1)
	if m.failAlerts.Load() {
		return 0, domain.NewStorageError("append_alert", errDiskFull)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *alert
	cp.ID = m.nextID
	m.alerts = append(m.alerts, &cp)
	return m.nextID, nil
}

func (m *memStore) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Alert
	for _, a := range m.alerts {
		if filter.Acknowledged != nil && a.Acknowledged != *filter.Acknowledged {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) AcknowledgeAlert(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	var n int64
	for _, a := range m.alerts {
		if a.TriggeredAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.alerts = kept
	return n, nil
}

func (m *memStore) AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *stat
	cp.ID = m.nextID
	m.stats = append(m.stats, &cp)
	return m.nextID, nil
}

func (m *memStore) PurgeStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.stats[:0]
	var n int64
	for _, s := range m.stats {
		if s.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.stats = kept
	return n, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memStore) alertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

type mockObserver struct {
	mu           sync.Mutex
	results      map[string]int
	faults       atomic.Int64
	backpressure atomic.Int64
	observations atomic.Int64
}

func newMockObserver() *mockObserver {
	return &mockObserver{results: make(map[string]int)}
}

func (o *mockObserver) IncrementEventsProcessedByResult(result string) {
	o.mu.Lock()
	o.results[result]++
	o.mu.Unlock()
}

func (o *mockObserver) ObserveProcessingTime(seconds float64) { o.observations.Add(1) }
func (o *mockObserver) IncrementDetectorFaults(detector string) { o.faults.Add(1) }
func (o *mockObserver) IncrementBackpressure(source string)     { o.backpressure.Add(1) }

func (o *mockObserver) result(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[name]
}

// mockDetector fires with a fixed detection on events of one type.
type mockDetector struct {
	name        string
	onType      domain.EventType
	score       int
	key         string
	window      time.Duration
	shouldPanic bool
	detectCount atomic.Int64
}

func (m *mockDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	m.detectCount.Add(1)
	if m.shouldPanic {
		panic("intentional panic for testing")
	}
	if m.onType != "" && event.Type != m.onType {
		return nil
	}
	key := m.key
	if key == "" {
		key = m.name + ":" + event.Subject.Identity()
	}
	return &domain.Detection{
		PatternName:    m.name,
		CorrelationKey: key,
		Score:          m.score,
		Summary:        "mock detection",
		Window:         m.window,
		Related:        []*domain.Event{event},
	}
}

func (m *mockDetector) Name() string { return m.name }

// recorder collects published notifications in order.
type recorder struct {
	mu     sync.Mutex
	events []*domain.Event
	alerts []*domain.Alert
}

func (r *recorder) OnEvent(event *domain.Event, alert *domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if alert != nil {
		r.alerts = append(r.alerts, alert)
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (r *recorder) snapshot() ([]*domain.Event, []*domain.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Event(nil), r.events...), append([]*domain.Alert(nil), r.alerts...)
}
