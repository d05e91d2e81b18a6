package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

type BruteForceConfig struct {
	Threshold int
	Window    time.Duration
}

func DefaultBruteForceConfig() BruteForceConfig {
	return BruteForceConfig{Threshold: 5, Window: 300 * time.Second}
}

// BruteForceDetector fires once an identity has Threshold failed logins in
// the window. The score starts at 60 and reaches 100 when the count doubles
// the threshold.
type BruteForceDetector struct {
	store *WindowStore
	cfg   BruteForceConfig
}

func NewBruteForceDetector(store *WindowStore, cfg BruteForceConfig) *BruteForceDetector {
	fitThreshold(store, cfg.Threshold)
	return &BruteForceDetector{store: store, cfg: cfg}
}

func (d *BruteForceDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	if event == nil || event.Type != domain.EventFailedLogin {
		return nil
	}
	identity := event.Subject.Identity()
	if identity == "" {
		return nil
	}

	key := windowKey(domain.PatternBruteForce, identity)
	count := d.store.Record(key, event.Timestamp, d.cfg.Window, event)
	if count < d.cfg.Threshold {
		return nil
	}

	return &domain.Detection{
		PatternName:    domain.PatternBruteForce,
		CorrelationKey: key,
		Score:          bruteForceScore(count, d.cfg.Threshold),
		Summary:        fmt.Sprintf("%d failed logins for %s within %s", count, identity, d.cfg.Window),
		Window:         d.cfg.Window,
		Related:        relatedEvents(d.store.Entries(key, d.cfg.Window)),
	}
}

func bruteForceScore(count, threshold int) int {
	if threshold <= 0 {
		return 100
	}
	return domain.ClampScore(60 + 40*(count-threshold)/threshold)
}

func (d *BruteForceDetector) Name() string {
	return domain.PatternBruteForce
}
