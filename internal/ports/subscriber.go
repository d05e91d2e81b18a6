package ports

import (
	"context"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// Subscriber receives every processed event in processing order, together
// with the alert it produced, if any.
//
// Performance: OnEvent runs on the subscriber's own dispatch goroutine. A slow
// subscriber only loses its own oldest pending notifications.
type Subscriber interface {
	// OnEvent is called once per persisted event.
	//
	// Parameters:
	//   - event: Fully enriched, persisted event (do not modify)
	//   - alert: Alert generated for the event, or nil
	//
	// Panics are recovered and logged by the dispatcher.
	OnEvent(event *domain.Event, alert *domain.Alert)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(event *domain.Event, alert *domain.Alert)

func (f SubscriberFunc) OnEvent(event *domain.Event, alert *domain.Alert) {
	f(event, alert)
}

// Alerter dispatches alerts to an output destination.
//
// Implementations:
//   - JSONAlerter: Writes alerts as JSON lines to file or stdout
//   - MemoryAlerter: In-memory ring buffer for inspection and tests
//
// Thread Safety: Implementations MUST be safe for concurrent Send() calls.
type Alerter interface {
	// Send dispatches an alert to the output destination.
	//
	// Returns:
	//   - nil on success
	//   - Error if dispatch fails (caller logs)
	Send(ctx context.Context, alert *domain.Alert) error

	// Flush forces pending alerts to be written to destination.
	Flush() error

	// Close releases resources and ensures all alerts are flushed.
	Close() error
}
