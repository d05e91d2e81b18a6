package detection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// Native ids that mark an addition to a privileged local group.
const nativeMemberAddedToLocalGroup = 4732

const (
	privilegeBaseScore      = 50
	privilegeRecoveredScore = 80
)

type PrivilegeEscalationConfig struct {
	Window time.Duration
}

func DefaultPrivilegeEscalationConfig() PrivilegeEscalationConfig {
	return PrivilegeEscalationConfig{Window: 600 * time.Second}
}

// PrivilegeEscalationDetector fires on privilege grants and admin-group
// additions. A grant is corroborated, and scored higher, when the same
// identity logged in successfully after failing within the window.
type PrivilegeEscalationDetector struct {
	store *WindowStore
	cfg   PrivilegeEscalationConfig
}

func NewPrivilegeEscalationDetector(store *WindowStore, cfg PrivilegeEscalationConfig) *PrivilegeEscalationDetector {
	return &PrivilegeEscalationDetector{store: store, cfg: cfg}
}

func (d *PrivilegeEscalationDetector) Detect(ctx context.Context, event *domain.Event) *domain.Detection {
	if event == nil {
		return nil
	}
	identity := event.Subject.Identity()
	if identity == "" {
		return nil
	}

	failKey := windowKey("priv-fail", identity)
	recoveredKey := windowKey("priv-recovered", identity)

	switch event.Type {
	case domain.EventFailedLogin:
		d.store.Record(failKey, event.Timestamp, d.cfg.Window, event)
		return nil
	case domain.EventSuccessfulLogin:
		if d.store.Count(failKey, d.cfg.Window) > 0 {
			d.store.Record(recoveredKey, event.Timestamp, d.cfg.Window, event)
		}
		return nil
	case domain.EventPrivilegeAssigned:
	case domain.EventGroupModified:
		if !isAdminGroupAddition(event) {
			return nil
		}
	default:
		return nil
	}

	score := privilegeBaseScore
	summary := fmt.Sprintf("privilege change for %s", identity)
	related := relatedEvents(d.store.Entries(recoveredKey, d.cfg.Window))
	if len(related) > 0 {
		score = privilegeRecoveredScore
		summary = fmt.Sprintf("privilege change for %s after failed-then-successful login", identity)
	}
	related = append(related, event)

	return &domain.Detection{
		PatternName:    domain.PatternPrivilegeEscalation,
		CorrelationKey: windowKey(domain.PatternPrivilegeEscalation, identity),
		Score:          score,
		Summary:        summary,
		Window:         d.cfg.Window,
		Related:        related,
	}
}

func isAdminGroupAddition(event *domain.Event) bool {
	if event.NativeID == nativeMemberAddedToLocalGroup {
		return true
	}
	return strings.Contains(strings.ToLower(event.Subject.Group), "admin")
}

func (d *PrivilegeEscalationDetector) Name() string {
	return domain.PatternPrivilegeEscalation
}
