package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

type ResourceConfig struct {
	CPUPercent       float64
	MemoryPercent    float64
	Connections      int
	SustainedSamples int
	Window           time.Duration
}

func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		CPUPercent:       90,
		MemoryPercent:    90,
		Connections:      500,
		SustainedSamples: 3,
		Window:           60 * time.Second,
	}
}

// ResourceAnomalyDetector watches resource-spike events. CPU and memory
// pressure must be sustained over SustainedSamples samples in the window; a
// connection flood fires on the first sample. Each extra concurrent
// condition adds 10 to the base score of 30, up to 50.
type ResourceAnomalyDetector struct {
	store *WindowStore
	cfg   ResourceConfig
}

func NewResourceAnomalyDetector(store *WindowStore, cfg ResourceConfig) *ResourceAnomalyDetector {
	fitThreshold(store, cfg.SustainedSamples)
	return &ResourceAnomalyDetector{store: store, cfg: cfg}
}

func (d *ResourceAnomalyDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	if event == nil || event.Type != domain.EventResourceSpike || event.Stat == nil {
		return nil
	}
	stat := event.Stat

	var conditions []string
	var related []*domain.Event

	check := func(metric string, value, limit float64) {
		if value <= limit {
			return
		}
		key := windowKey(domain.PatternResourceAnomaly, hostKey+":"+metric)
		if d.store.Record(key, event.Timestamp, d.cfg.Window, event) >= d.cfg.SustainedSamples {
			conditions = append(conditions, fmt.Sprintf("%s %.1f%% sustained", metric, value))
			related = mergeRelated(related, relatedEvents(d.store.Entries(key, d.cfg.Window)))
		}
	}
	check("cpu", stat.CPUPercent, d.cfg.CPUPercent)
	check("memory", stat.MemoryPercent, d.cfg.MemoryPercent)

	if stat.ConnectionCount > d.cfg.Connections {
		conditions = append(conditions, fmt.Sprintf("%d active connections", stat.ConnectionCount))
		related = mergeRelated(related, []*domain.Event{event})
	}

	if len(conditions) == 0 {
		return nil
	}

	score := 30 + 10*(len(conditions)-1)
	if score > 50 {
		score = 50
	}

	return &domain.Detection{
		PatternName:    domain.PatternResourceAnomaly,
		CorrelationKey: windowKey(domain.PatternResourceAnomaly, hostKey),
		Score:          score,
		Summary:        "resource anomaly: " + strings.Join(conditions, ", "),
		Window:         d.cfg.Window,
		Related:        related,
	}
}

// mergeRelated appends events not already present, keeping timestamp order.
func mergeRelated(dst, src []*domain.Event) []*domain.Event {
	seen := make(map[*domain.Event]struct{}, len(dst))
	for _, ev := range dst {
		seen[ev] = struct{}{}
	}
	for _, ev := range src {
		if _, ok := seen[ev]; ok {
			continue
		}
		seen[ev] = struct{}{}
		dst = append(dst, ev)
	}
	sortByTimestamp(dst)
	return dst
}

func sortByTimestamp(events []*domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

func (d *ResourceAnomalyDetector) Name() string {
	return domain.PatternResourceAnomaly
}
