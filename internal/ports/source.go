package ports

import (
	"context"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// EventSource is an independent producer of host security events.
//
// Implementations:
//   - FileTailer: JSON-lines event file followed with nxadm/tail
//   - FileWatcher: fsnotify watcher emitting file mutation events
//   - StatsSampler: gopsutil sampler emitting resource-spike events
//   - NATSSource: JSON events from a NATS subject
//   - DemoGenerator: synthetic attack traffic
type EventSource interface {
	// Name identifies the producer; it becomes Event.Source when unset.
	Name() string

	// Start begins producing. Both channels are closed when the source stops,
	// either through Stop or ctx cancellation.
	Start(ctx context.Context) (<-chan *domain.Event, <-chan error)

	Stop() error
}

// EventParser decodes one line of producer output into an event.
type EventParser interface {
	Parse(line string) (*domain.Event, error)
	Format() string
}

// StatSink receives sampled snapshots for persistence.
type StatSink interface {
	AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error)
}
