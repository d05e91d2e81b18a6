package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// hostKey is the correlation key of host-global patterns.
const hostKey = "host"

type ServiceInstallConfig struct {
	Window time.Duration
}

func DefaultServiceInstallConfig() ServiceInstallConfig {
	return ServiceInstallConfig{Window: 1800 * time.Second}
}

// ServiceInstallDetector fires on every service installation, scoring 40
// plus 20 for each other install in the window.
type ServiceInstallDetector struct {
	store *WindowStore
	cfg   ServiceInstallConfig
}

func NewServiceInstallDetector(store *WindowStore, cfg ServiceInstallConfig) *ServiceInstallDetector {
	return &ServiceInstallDetector{store: store, cfg: cfg}
}

func (d *ServiceInstallDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	if event == nil || event.Type != domain.EventServiceInstalled {
		return nil
	}

	key := windowKey(domain.PatternServiceInstall, hostKey)
	count := d.store.Record(key, event.Timestamp, d.cfg.Window, event)
	if count < 1 {
		// Stale timestamp; the install still happened.
		count = 1
	}

	summary := "service installed"
	if event.Subject.Service != "" {
		summary = fmt.Sprintf("service %q installed", event.Subject.Service)
	}
	if count > 1 {
		summary = fmt.Sprintf("%s (%d installs within %s)", summary, count, d.cfg.Window)
	}

	related := relatedEvents(d.store.Entries(key, d.cfg.Window))
	if len(related) == 0 {
		related = []*domain.Event{event}
	}

	return &domain.Detection{
		PatternName:    domain.PatternServiceInstall,
		CorrelationKey: key,
		Score:          domain.ClampScore(40 + 20*(count-1)),
		Summary:        summary,
		Window:         d.cfg.Window,
		Related:        related,
	}
}

func (d *ServiceInstallDetector) Name() string {
	return domain.PatternServiceInstall
}
