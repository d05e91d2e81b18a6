package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

type MetricsSnapshot struct {
	EventsProcessed  int64
	EventsRejected   int64
	EventsFailed     int64
	Detections       int64
	AlertsCreated    int64
	AlertsSuppressed int64
	DetectorFaults   int64
	EventsPerSecond  float64
	QueueDepth       int
	MemoryUsageMB    float64
	Uptime           time.Duration
	StartTime        time.Time
}

// PipelineMetrics holds in-process counters shared by the processor and the
// service. Hot counters are atomics; sampled gauges sit behind mu.
type PipelineMetrics struct {
	processed  atomic.Int64
	rejected   atomic.Int64
	failed     atomic.Int64
	detections atomic.Int64
	created    atomic.Int64
	suppressed atomic.Int64
	faults     atomic.Int64

	eventsPerSecond float64
	queueDepth      int
	memoryUsageMB   float64
	StartTime       time.Time

	mu sync.RWMutex
}

func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{StartTime: time.Now()}
}

func (m *PipelineMetrics) IncrementProcessed()  { m.processed.Add(1) }
func (m *PipelineMetrics) IncrementRejected()   { m.rejected.Add(1) }
func (m *PipelineMetrics) IncrementFailed()     { m.failed.Add(1) }
func (m *PipelineMetrics) IncrementDetections() { m.detections.Add(1) }
func (m *PipelineMetrics) IncrementAlerts()     { m.created.Add(1) }
func (m *PipelineMetrics) IncrementSuppressed() { m.suppressed.Add(1) }
func (m *PipelineMetrics) IncrementFaults()     { m.faults.Add(1) }

func (m *PipelineMetrics) Processed() int64 {
	return m.processed.Load()
}

func (m *PipelineMetrics) Rejected() int64 {
	return m.rejected.Load()
}

func (m *PipelineMetrics) Sample(eventsPerSecond float64, queueDepth int, memoryMB float64) {
	m.mu.Lock()
	m.eventsPerSecond = eventsPerSecond
	m.queueDepth = queueDepth
	m.memoryUsageMB = memoryMB
	m.mu.Unlock()
}

func (m *PipelineMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		EventsProcessed:  m.processed.Load(),
		EventsRejected:   m.rejected.Load(),
		EventsFailed:     m.failed.Load(),
		Detections:       m.detections.Load(),
		AlertsCreated:    m.created.Load(),
		AlertsSuppressed: m.suppressed.Load(),
		DetectorFaults:   m.faults.Load(),
		EventsPerSecond:  m.eventsPerSecond,
		QueueDepth:       m.queueDepth,
		MemoryUsageMB:    m.memoryUsageMB,
		Uptime:           time.Since(m.StartTime),
		StartTime:        m.StartTime,
	}
}
