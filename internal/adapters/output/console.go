package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/pkg/sanitize"
)

var (
	colorCritical = lipgloss.Color("#ff3333")
	colorWarning  = lipgloss.Color("#ffb000")
	colorInfo     = lipgloss.Color("#00b8ff")
	colorPrimary  = lipgloss.Color("#00ff41")
	colorMuted    = lipgloss.Color("#707070")
)

const (
	maxConsoleDescription = 120
	maxConsoleField       = 64
)

type consoleStyles struct {
	critical lipgloss.Style
	warning  lipgloss.Style
	info     lipgloss.Style
	muted    lipgloss.Style
	header   lipgloss.Style
	alertBox lipgloss.Style
}

// ConsoleSubscriber prints events and alerts as styled lines. Colors are
// dropped automatically when the writer is not a terminal.
type ConsoleSubscriber struct {
	w          io.Writer
	alertsOnly bool
	styles     consoleStyles
	mu         sync.Mutex
}

func NewConsoleSubscriber(w io.Writer, alertsOnly bool) *ConsoleSubscriber {
	r := lipgloss.NewRenderer(w)
	return &ConsoleSubscriber{
		w:          w,
		alertsOnly: alertsOnly,
		styles: consoleStyles{
			critical: r.NewStyle().Foreground(colorCritical).Bold(true),
			warning:  r.NewStyle().Foreground(colorWarning).Bold(true),
			info:     r.NewStyle().Foreground(colorInfo),
			muted:    r.NewStyle().Foreground(colorMuted),
			header:   r.NewStyle().Foreground(colorPrimary).Bold(true),
			alertBox: r.NewStyle().
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(colorCritical).
				PaddingLeft(1),
		},
	}
}

func (c *ConsoleSubscriber) OnEvent(event *domain.Event, alert *domain.Alert) {
	if alert != nil {
		c.PrintAlert(alert)
		return
	}
	if !c.alertsOnly {
		c.PrintEvent(event)
	}
}

func (c *ConsoleSubscriber) severityStyle(s domain.Severity) lipgloss.Style {
	switch s {
	case domain.SeverityCritical:
		return c.styles.critical
	case domain.SeverityWarning:
		return c.styles.warning
	default:
		return c.styles.info
	}
}

func (c *ConsoleSubscriber) bandStyle(b domain.ThreatBand) lipgloss.Style {
	switch b {
	case domain.BandCritical, domain.BandHigh:
		return c.styles.critical
	case domain.BandMedium:
		return c.styles.warning
	default:
		return c.styles.info
	}
}

// FormatEvent renders one event as a single line.
func (c *ConsoleSubscriber) FormatEvent(event *domain.Event) string {
	var b strings.Builder
	b.WriteString(c.styles.muted.Render(event.Timestamp.UTC().Format(time.RFC3339)))
	b.WriteByte(' ')
	b.WriteString(c.severityStyle(event.Severity).Render(fmt.Sprintf("%-8s", event.Severity)))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-20s", event.Type))
	if event.ID > 0 {
		b.WriteString(c.styles.muted.Render(fmt.Sprintf(" #%d", event.ID)))
	}
	if event.ThreatScore > 0 {
		b.WriteString(fmt.Sprintf(" score=%d", event.ThreatScore))
	}
	if id := event.Subject.Identity(); id != "" {
		b.WriteString(" subject=")
		b.WriteString(sanitize.ForTerminal(id, maxConsoleField))
	}
	if event.Subject.Path != "" {
		b.WriteString(" path=")
		b.WriteString(sanitize.ForTerminal(event.Subject.Path, maxConsoleField))
	}
	if event.Description != "" {
		b.WriteString(c.styles.muted.Render(" | "))
		b.WriteString(sanitize.ForTerminal(event.Description, maxConsoleDescription))
	}
	return b.String()
}

// FormatAlert renders an alert with its recommendations.
func (c *ConsoleSubscriber) FormatAlert(alert *domain.Alert) string {
	band := alert.Band()
	var b strings.Builder
	b.WriteString(c.bandStyle(band).Render(fmt.Sprintf("ALERT #%d %s", alert.ID, strings.ToUpper(string(band)))))
	b.WriteString(fmt.Sprintf(" %s score=%d", alert.AlertType, alert.Score))
	if alert.Acknowledged {
		b.WriteString(c.styles.muted.Render(" [ack]"))
	}
	b.WriteByte('\n')
	b.WriteString(c.styles.muted.Render(alert.TriggeredAt.UTC().Format(time.RFC3339)))
	b.WriteString(" key=")
	b.WriteString(sanitize.ForTerminal(alert.CorrelationKey, maxConsoleField))
	b.WriteString(fmt.Sprintf(" event=#%d", alert.EventID))
	b.WriteByte('\n')
	b.WriteString(sanitize.ForTerminal(alert.Message, maxConsoleDescription))
	for _, rec := range alert.Recommendations {
		b.WriteString("\n  - ")
		b.WriteString(sanitize.ForTerminal(rec, maxConsoleDescription))
	}
	return c.styles.alertBox.Render(b.String())
}

func (c *ConsoleSubscriber) PrintEvent(event *domain.Event) {
	c.writeLine(c.FormatEvent(event))
}

func (c *ConsoleSubscriber) PrintAlert(alert *domain.Alert) {
	c.writeLine(c.FormatAlert(alert))
}

// PrintCounts renders stored event totals by severity and type.
func (c *ConsoleSubscriber) PrintCounts(counts domain.EventCounts, unacknowledged int) {
	var b strings.Builder
	b.WriteString(c.styles.header.Render("EVENTS"))
	b.WriteString(fmt.Sprintf(" total=%d unacknowledged_alerts=%d\n", counts.Total, unacknowledged))

	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityWarning, domain.SeverityInfo} {
		b.WriteString("  ")
		b.WriteString(c.severityStyle(sev).Render(fmt.Sprintf("%-8s", sev)))
		b.WriteString(fmt.Sprintf(" %d\n", counts.BySeverity[sev]))
	}

	types := make([]domain.EventType, 0, len(counts.ByType))
	for t := range counts.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts.ByType[types[i]] != counts.ByType[types[j]] {
			return counts.ByType[types[i]] > counts.ByType[types[j]]
		}
		return types[i] < types[j]
	})
	for _, t := range types {
		b.WriteString(fmt.Sprintf("  %-22s %d\n", t, counts.ByType[t]))
	}
	c.write(b.String())
}

// PrintPipeline renders a pipeline snapshot.
func (c *ConsoleSubscriber) PrintPipeline(snap domain.MetricsSnapshot) {
	var b strings.Builder
	b.WriteString(c.styles.header.Render("PIPELINE"))
	b.WriteString(fmt.Sprintf(" uptime=%s\n", snap.Uptime.Truncate(time.Second)))
	b.WriteString(fmt.Sprintf("  processed=%d rejected=%d failed=%d\n",
		snap.EventsProcessed, snap.EventsRejected, snap.EventsFailed))
	b.WriteString(fmt.Sprintf("  detections=%d alerts=%d suppressed=%d faults=%d\n",
		snap.Detections, snap.AlertsCreated, snap.AlertsSuppressed, snap.DetectorFaults))
	b.WriteString(fmt.Sprintf("  rate=%.1f/s queue=%d memory=%.1fMB\n",
		snap.EventsPerSecond, snap.QueueDepth, snap.MemoryUsageMB))
	c.write(b.String())
}

func (c *ConsoleSubscriber) writeLine(s string) {
	c.write(s + "\n")
}

func (c *ConsoleSubscriber) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, s)
}
