package ports

import (
	"context"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// EventRepository persists events. Every failure is a *domain.StorageError.
type EventRepository interface {
	// AppendEvent stores an event and returns its assigned id.
	// The store does not modify the passed event.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)

	// SetEventThreatScore records the analyzer's score for a stored event.
	// It is the only field written after AppendEvent.
	SetEventThreatScore(ctx context.Context, id int64, score int) error

	// GetEvent returns domain.ErrNotFound for unknown ids.
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)

	// QueryEvents returns matching events, newest first.
	QueryEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error)

	CountEvents(ctx context.Context) (domain.EventCounts, error)

	// PurgeEventsOlderThan deletes events with timestamp < cutoff. Alerts
	// referencing them are left in place.
	PurgeEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertRepository persists alerts.
type AlertRepository interface {
	AppendAlert(ctx context.Context, alert *domain.Alert) (int64, error)

	GetAlert(ctx context.Context, id int64) (*domain.Alert, error)

	// ListAlerts returns alerts newest first.
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error)

	// AcknowledgeAlert is idempotent. Unknown ids yield domain.ErrNotFound.
	AcknowledgeAlert(ctx context.Context, id int64) error

	// PurgeAlertsOlderThan deletes alerts triggered before cutoff.
	PurgeAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatRepository persists system resource snapshots.
type StatRepository interface {
	AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error)
	PurgeStatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore is the full persistence port. Each call is atomic on its own;
// callers never hold a transaction across events.
//
// Implementations:
//   - SQLiteStore: modernc.org/sqlite, WAL mode, single writer connection
//   - BoltStore: bbolt buckets with msgpack records
type EventStore interface {
	EventRepository
	AlertRepository
	StatRepository
	Close() error
}
