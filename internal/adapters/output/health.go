package output

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// PipelineProbe is the view of the event processor the health check needs.
type PipelineProbe interface {
	IsRunning() bool
	QueueLength() int
	QueueCapacity() int
	QueueUtilization() float64
}

type HealthStatus struct {
	Healthy        bool          `json:"healthy"`
	Status         string        `json:"status"`
	QueueLength    int           `json:"queue_length"`
	QueueCapacity  int           `json:"queue_capacity"`
	Utilization    float64       `json:"utilization_percent"`
	EventsRejected int64         `json:"events_rejected"`
	EventsFailed   int64         `json:"events_failed"`
	Uptime         time.Duration `json:"uptime_ns"`
	Reason         string        `json:"reason,omitempty"`
}

type HealthChecker struct {
	pipeline  PipelineProbe
	metrics   *domain.PipelineMetrics
	startTime time.Time
	now       func() time.Time

	lastCheck     HealthStatus
	lastCheckTime time.Time
	lastRejected  int64
	lastFailed    int64
	lastCheckMu   sync.Mutex
	checkInterval time.Duration
}

type HealthCheckerConfig struct {
	CheckInterval time.Duration
	Clock         func() time.Time
}

func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		CheckInterval: 5 * time.Second,
	}
}

// NewHealthChecker builds a checker over the processor. metrics may be nil,
// in which case rejection and failure growth is not considered.
func NewHealthChecker(pipeline PipelineProbe, metrics *domain.PipelineMetrics, config HealthCheckerConfig) *HealthChecker {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &HealthChecker{
		pipeline:      pipeline,
		metrics:       metrics,
		checkInterval: config.CheckInterval,
		startTime:     now(),
		now:           now,
	}
}

// Check returns the cached status while it is younger than the check
// interval.
func (h *HealthChecker) Check() HealthStatus {
	h.lastCheckMu.Lock()
	defer h.lastCheckMu.Unlock()

	now := h.now()
	if !h.lastCheckTime.IsZero() && now.Sub(h.lastCheckTime) < h.checkInterval {
		return h.lastCheck
	}

	h.lastCheck = h.performCheck(now)
	h.lastCheckTime = now
	return h.lastCheck
}

// performCheck must be called with lastCheckMu held.
func (h *HealthChecker) performCheck(now time.Time) HealthStatus {
	status := HealthStatus{
		Uptime: now.Sub(h.startTime),
	}
	if h.pipeline == nil || !h.pipeline.IsRunning() {
		status.Status = "OFFLINE"
		status.Reason = "event processor not running"
		return status
	}

	status.QueueLength = h.pipeline.QueueLength()
	status.QueueCapacity = h.pipeline.QueueCapacity()
	status.Utilization = h.pipeline.QueueUtilization()

	var newRejected, newFailed int64
	if h.metrics != nil {
		snap := h.metrics.GetSnapshot()
		status.EventsRejected = snap.EventsRejected
		status.EventsFailed = snap.EventsFailed
		newRejected = snap.EventsRejected - h.lastRejected
		newFailed = snap.EventsFailed - h.lastFailed
		h.lastRejected = snap.EventsRejected
		h.lastFailed = snap.EventsFailed
	}

	if status.Utilization >= 95 {
		status.Status = "SATURATED"
		status.Reason = fmt.Sprintf("queue utilization at %.1f%%", status.Utilization)
		return status
	}

	status.Healthy = true
	switch {
	case status.Utilization >= 80:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("queue utilization elevated at %.1f%%", status.Utilization)
	case newRejected > 0:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("%d events rejected since last check", newRejected)
	case newFailed > 0:
		status.Status = "DEGRADED"
		status.Reason = fmt.Sprintf("%d events failed to persist since last check", newFailed)
	default:
		status.Status = "HEALTHY"
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
