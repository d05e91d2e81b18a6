package detection

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

const ransomwareScore = 100

type RansomwareConfig struct {
	Threshold int
	Window    time.Duration
	// Roots are the monitored directory roots. A path is grouped under the
	// longest root that contains it, or under its parent directory.
	Roots []string
}

func DefaultRansomwareConfig() RansomwareConfig {
	return RansomwareConfig{Threshold: 50, Window: 60 * time.Second}
}

// RansomwareDetector fires at a fixed critical score once a directory root
// sees Threshold file mutations in the window.
type RansomwareDetector struct {
	store *WindowStore
	cfg   RansomwareConfig
	roots []string
}

func NewRansomwareDetector(store *WindowStore, cfg RansomwareConfig) *RansomwareDetector {
	roots := make([]string, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, filepath.Clean(r))
		}
	}
	fitThreshold(store, cfg.Threshold)
	return &RansomwareDetector{store: store, cfg: cfg, roots: roots}
}

func (d *RansomwareDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	if event == nil || !event.Type.IsFileMutation() || event.Subject.Path == "" {
		return nil
	}

	root := d.rootFor(event.Subject.Path)
	key := windowKey(domain.PatternRansomware, root)
	count := d.store.Record(key, event.Timestamp, d.cfg.Window, event)
	if count < d.cfg.Threshold {
		return nil
	}

	return &domain.Detection{
		PatternName:    domain.PatternRansomware,
		CorrelationKey: key,
		Score:          ransomwareScore,
		Summary:        fmt.Sprintf("%d file changes under %s within %s", count, root, d.cfg.Window),
		Window:         d.cfg.Window,
		Related:        relatedEvents(d.store.Entries(key, d.cfg.Window)),
	}
}

func (d *RansomwareDetector) rootFor(path string) string {
	path = filepath.Clean(path)
	best := ""
	for _, root := range d.roots {
		if len(root) > len(best) && underRoot(path, root) {
			best = root
		}
	}
	if best != "" {
		return best
	}
	return filepath.Dir(path)
}

func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (d *RansomwareDetector) Name() string {
	return domain.PatternRansomware
}
