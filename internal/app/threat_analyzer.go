package app

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// ThreatAnalyzer runs the detector set against each event and selects at
// most one Detection. The detector set can be swapped atomically at runtime
// (config hot reload) without stopping the pipeline.
//
// Selection: the highest score wins; ties go to the detector listed first.
// Without a detection the event's threat score is its severity baseline.
type ThreatAnalyzer struct {
	detectors atomic.Pointer[[]ports.PatternDetector]
	observer  ports.ProcessingObserver
	metrics   *domain.PipelineMetrics
}

func NewThreatAnalyzer(detectors []ports.PatternDetector) *ThreatAnalyzer {
	a := &ThreatAnalyzer{}
	a.SetDetectors(detectors)
	return a
}

func (a *ThreatAnalyzer) SetDetectors(detectors []ports.PatternDetector) {
	cp := make([]ports.PatternDetector, len(detectors))
	copy(cp, detectors)
	a.detectors.Store(&cp)
}

func (a *ThreatAnalyzer) Detectors() []ports.PatternDetector {
	ptr := a.detectors.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

func (a *ThreatAnalyzer) SetObserver(observer ports.ProcessingObserver) {
	a.observer = observer
}

func (a *ThreatAnalyzer) SetMetrics(metrics *domain.PipelineMetrics) {
	a.metrics = metrics
}

// Analyze sets event.ThreatScore and returns the winning detection, or nil.
func (a *ThreatAnalyzer) Analyze(ctx context.Context, event *domain.Event) *domain.Detection {
	var best *domain.Detection

	for _, detector := range a.Detectors() {
		det, err := a.runDetector(ctx, detector, event)
		if err != nil {
			log.Error().
				Err(err).
				Str("detector", detector.Name()).
				Str("event_type", string(event.Type)).
				Str("source", event.Source).
				Msg("Detector fault recovered")
			if a.observer != nil {
				a.observer.IncrementDetectorFaults(detector.Name())
			}
			if a.metrics != nil {
				a.metrics.IncrementFaults()
			}
			continue
		}
		if det == nil {
			continue
		}

		det.Score = domain.ClampScore(det.Score)
		if det.PatternName == "" {
			det.PatternName = detector.Name()
		}
		if best == nil || det.Score > best.Score {
			best = det
		}
	}

	if best == nil {
		event.ThreatScore = event.Severity.BaselineScore()
		return nil
	}

	event.ThreatScore = best.Score
	if a.metrics != nil {
		a.metrics.IncrementDetections()
	}
	log.Debug().
		Str("pattern", best.PatternName).
		Str("correlation_key", best.CorrelationKey).
		Int("score", best.Score).
		Msg("Pattern detected")
	return best
}

// runDetector isolates a detector panic so the remaining detectors still run.
func (a *ThreatAnalyzer) runDetector(ctx context.Context, detector ports.PatternDetector, event *domain.Event) (det *domain.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			det = nil
			err = &domain.DetectorFault{
				Detector:  detector.Name(),
				EventID:   event.ID,
				EventType: event.Type,
				Panic:     r,
			}
		}
	}()
	return detector.Detect(ctx, event), nil
}
