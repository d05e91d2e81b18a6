package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// RetentionSweeper periodically purges events, alerts and stats older than
// MaxAge. Each kind is purged on its own age; deleting events never deletes
// the alerts that reference them.
type RetentionSweeper struct {
	store    ports.EventStore
	maxAge   time.Duration
	interval time.Duration
	clock    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type SweepResult struct {
	Cutoff time.Time
	Events int64
	Alerts int64
	Stats  int64
}

func NewRetentionSweeper(store ports.EventStore, maxAge, interval time.Duration, clock func() time.Time) *RetentionSweeper {
	if clock == nil {
		clock = time.Now
	}
	return &RetentionSweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once immediately, then every interval.
func (r *RetentionSweeper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Sweep(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one retention pass. Failures are logged per kind so one failing
// purge does not block the others.
func (r *RetentionSweeper) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Cutoff: r.clock().Add(-r.maxAge).UTC()}

	var err error
	if res.Events, err = r.store.PurgeEventsOlderThan(ctx, res.Cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to purge old events")
	}
	if res.Alerts, err = r.store.PurgeAlertsOlderThan(ctx, res.Cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to purge old alerts")
	}
	if res.Stats, err = r.store.PurgeStatsOlderThan(ctx, res.Cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to purge old system stats")
	}

	log.Info().
		Time("cutoff", res.Cutoff).
		Int64("events", res.Events).
		Int64("alerts", res.Alerts).
		Int64("stats", res.Stats).
		Msg("Retention sweep completed")
	return res
}

func (r *RetentionSweeper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
