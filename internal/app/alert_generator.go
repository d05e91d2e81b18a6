package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

type AlertGeneratorConfig struct {
	// Cooldown overrides the per-detection window when positive.
	Cooldown time.Duration
	// MaxTracked bounds the dedup cache; least recently used keys go first.
	MaxTracked int
	Clock      func() time.Time
}

func DefaultAlertGeneratorConfig() AlertGeneratorConfig {
	return AlertGeneratorConfig{MaxTracked: 10000, Clock: time.Now}
}

type dedupEntry struct {
	alertID     int64
	triggeredAt time.Time
}

// AlertGenerator turns detections into persisted alerts. For each
// (alertType, correlationKey) at most one unacknowledged alert exists per
// cooldown period; repeated detections inside it are suppressed.
type AlertGenerator struct {
	store    ports.AlertRepository
	recs     atomic.Pointer[Recommendations]
	cooldown atomic.Int64
	clock    func() time.Time

	mu     sync.Mutex
	recent *lru.Cache[string, dedupEntry]

	metrics *domain.PipelineMetrics
}

func NewAlertGenerator(store ports.AlertRepository, recs *Recommendations, cfg AlertGeneratorConfig) (*AlertGenerator, error) {
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultAlertGeneratorConfig().MaxTracked
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if recs == nil {
		recs = DefaultRecommendations()
	}

	recent, err := lru.New[string, dedupEntry](cfg.MaxTracked)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	g := &AlertGenerator{
		store:  store,
		clock:  cfg.Clock,
		recent: recent,
	}
	g.recs.Store(recs)
	g.cooldown.Store(int64(cfg.Cooldown))
	return g, nil
}

func (g *AlertGenerator) SetRecommendations(recs *Recommendations) {
	if recs != nil {
		g.recs.Store(recs)
	}
}

func (g *AlertGenerator) SetCooldown(d time.Duration) {
	g.cooldown.Store(int64(d))
}

func (g *AlertGenerator) SetMetrics(metrics *domain.PipelineMetrics) {
	g.metrics = metrics
}

func (g *AlertGenerator) cooldownFor(det *domain.Detection) time.Duration {
	if cd := time.Duration(g.cooldown.Load()); cd > 0 {
		return cd
	}
	return det.Window
}

// Generate persists an alert for the detection unless an unacknowledged
// alert with the same type and correlation key is still cooling down. A
// suppressed detection returns (nil, nil). Persistence failures leave the
// dedup state untouched so the next detection can retry.
func (g *AlertGenerator) Generate(ctx context.Context, det *domain.Detection, event *domain.Event) (*domain.Alert, error) {
	key := domain.DedupKey(det.PatternName, det.CorrelationKey)
	now := g.clock().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.recent.Get(key); ok && now.Sub(prev.triggeredAt) < g.cooldownFor(det) && g.stillOpen(ctx, key, prev) {
		if g.metrics != nil {
			g.metrics.IncrementSuppressed()
		}
		log.Debug().
			Str("alert_type", det.PatternName).
			Str("correlation_key", det.CorrelationKey).
			Int64("existing_alert_id", prev.alertID).
			Msg("Alert suppressed by cooldown")
		return nil, nil
	}

	alert := &domain.Alert{
		EventID:         event.ID,
		AlertType:       det.PatternName,
		CorrelationKey:  det.CorrelationKey,
		Score:           det.Score,
		Message:         det.Summary,
		Recommendations: g.recs.Load().For(det.PatternName),
		TriggeredAt:     now,
	}

	id, err := g.store.AppendAlert(ctx, alert)
	if err != nil {
		return nil, err
	}
	alert.ID = id

	g.recent.Add(key, dedupEntry{alertID: id, triggeredAt: now})
	if g.metrics != nil {
		g.metrics.IncrementAlerts()
	}

	log.Info().
		Int64("alert_id", id).
		Int64("event_id", event.ID).
		Str("alert_type", alert.AlertType).
		Int("score", alert.Score).
		Ints64("related_event_ids", det.RelatedEventIDs()).
		Msg("Alert generated")

	return alert, nil
}

// stillOpen reports whether the alert holding a dedup entry is still
// unacknowledged in the store. Acknowledgements made by another process
// only show up there. Lookup failures keep the entry.
func (g *AlertGenerator) stillOpen(ctx context.Context, key string, prev dedupEntry) bool {
	alert, err := g.store.GetAlert(ctx, prev.alertID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		g.recent.Remove(key)
		return false
	case err != nil:
		log.Warn().Err(err).Int64("alert_id", prev.alertID).Msg("Failed to check alert acknowledgement, keeping suppression")
		return true
	case alert.Acknowledged:
		g.recent.Remove(key)
		return false
	}
	return true
}

// Prime seeds the dedup state with unacknowledged alerts from the store so
// suppression survives a restart.
func (g *AlertGenerator) Prime(ctx context.Context) error {
	unacked := false
	alerts, err := g.store.ListAlerts(ctx, domain.AlertFilter{Acknowledged: &unacked})
	if err != nil {
		return fmt.Errorf("prime alert dedup: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Oldest first so the newest alert per key wins.
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		g.recent.Add(a.DedupKey(), dedupEntry{alertID: a.ID, triggeredAt: a.TriggeredAt})
	}

	log.Info().Int("alerts", len(alerts)).Msg("Alert deduplication primed from store")
	return nil
}

// Acknowledged releases the dedup entry held by an alert, so the next
// detection for the same attack instance raises a fresh alert.
func (g *AlertGenerator) Acknowledged(alert *domain.Alert) {
	key := alert.DedupKey()

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.recent.Peek(key); ok && prev.alertID == alert.ID {
		g.recent.Remove(key)
	}
}

// Tracked returns the number of keys currently held for deduplication.
func (g *AlertGenerator) Tracked() int {
	return g.recent.Len()
}
