package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// WindowJanitor evicts expired sliding-window keys in the background.
type WindowJanitor interface {
	StartCleanup(ctx context.Context)
	StopCleanup()
}

type ServiceDeps struct {
	Processor *EventProcessor
	Store     ports.EventStore
	Alerts    *AlertGenerator
	Retention *RetentionSweeper
	Windows   WindowJanitor
	HotReload *HotReloadConfig
	Sources   []ports.EventSource
}

// Service runs the whole analyzer: producers feed the processor through
// per-source pumps, the retention sweeper and window janitor run in the
// background, and administrative operations go through the store.
type Service struct {
	processor *EventProcessor
	store     ports.EventStore
	alerts    *AlertGenerator
	retention *RetentionSweeper
	windows   WindowJanitor
	hotReload *HotReloadConfig
	sources   []ports.EventSource
	metrics   *domain.PipelineMetrics

	sourceCtx    context.Context
	cancelSource context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.RWMutex

	lastProcessed int64
	lastRateCheck time.Time
}

func NewService(deps ServiceDeps) *Service {
	return &Service{
		processor:     deps.Processor,
		store:         deps.Store,
		alerts:        deps.Alerts,
		retention:     deps.Retention,
		windows:       deps.Windows,
		hotReload:     deps.HotReload,
		sources:       deps.Sources,
		metrics:       deps.Processor.Metrics(),
		lastRateCheck: time.Now(),
	}
}

// AddSource registers a producer. Sources added after Start are ignored.
func (s *Service) AddSource(src ports.EventSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Warn().Str("source", src.Name()).Msg("Cannot add source while running")
		return
	}
	s.sources = append(s.sources, src)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if s.alerts != nil {
		if err := s.alerts.Prime(ctx); err != nil {
			log.Warn().Err(err).Msg("Starting without primed alert deduplication")
		}
	}

	s.processor.Start(ctx)

	if s.windows != nil {
		s.windows.StartCleanup(ctx)
	}
	if s.retention != nil {
		s.retention.Start(ctx)
	}
	if s.hotReload != nil {
		s.hotReload.StartWatching(ctx)
	}

	s.sourceCtx, s.cancelSource = context.WithCancel(ctx)
	for _, src := range s.sources {
		events, errs := src.Start(s.sourceCtx)
		s.wg.Add(1)
		go func(src ports.EventSource) {
			defer s.wg.Done()
			s.pump(src, events, errs)
		}(src)
		log.Info().Str("source", src.Name()).Msg("Event source started")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.updateMetrics()
	}()

	log.Info().Int("sources", len(s.sources)).Msg("Analyzer service started")
	return nil
}

// pump forwards one source's events to the processor. Backpressure drops the
// event; the running drop count is logged at most once per interval.
func (s *Service) pump(src ports.EventSource, events <-chan *domain.Event, errs <-chan error) {
	var dropped int64
	sometimes := rate.Sometimes{First: 1, Interval: 5 * time.Second}

	for {
		select {
		case <-s.sourceCtx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Str("source", src.Name()).Msg("Event source error")
		case event, ok := <-events:
			if !ok {
				log.Info().Str("source", src.Name()).Msg("Event source closed")
				return
			}
			if event.Source == "" {
				event.Source = src.Name()
			}

			err := s.processor.Submit(event)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrBackpressure):
				dropped++
				sometimes.Do(func() {
					log.Warn().
						Str("source", src.Name()).
						Int64("dropped_total", dropped).
						Int("queue_capacity", s.processor.QueueCapacity()).
						Msg("Ingestion queue full, dropping events")
				})
			case errors.Is(err, domain.ErrProcessorStopped):
				return
			default:
				log.Debug().Err(err).Str("source", src.Name()).Msg("Event rejected")
			}
		}
	}
}

func (s *Service) updateMetrics() {
	ticker := time.NewTicker(1 * time.Second)
	memTicker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	defer memTicker.Stop()

	var memMB float64
	for {
		select {
		case <-s.sourceCtx.Done():
			return
		case <-memTicker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			memMB = float64(m.Alloc) / 1024 / 1024
		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(s.lastRateCheck).Seconds()
			if elapsed >= 1.0 {
				processed := s.metrics.Processed()
				eps := float64(processed-s.lastProcessed) / elapsed
				s.metrics.Sample(eps, s.processor.QueueLength(), memMB)
				s.lastProcessed = processed
				s.lastRateCheck = now
			}
		}
	}
}

// Stop shuts down producers first, then the processor (bounded by its stop
// timeout), then subscribers and background workers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info().Msg("Stopping analyzer service gracefully...")

	for _, src := range s.sources {
		if err := src.Stop(); err != nil {
			log.Error().Err(err).Str("source", src.Name()).Msg("Error stopping source")
		}
	}
	if s.cancelSource != nil {
		s.cancelSource()
	}
	s.wg.Wait()

	s.processor.Stop()
	s.processor.Subscribers().Close()

	if s.hotReload != nil {
		s.hotReload.Stop()
	}
	if s.retention != nil {
		s.retention.Stop()
	}
	if s.windows != nil {
		s.windows.StopCleanup()
	}

	log.Info().Msg("Analyzer service stopped")
}

// Submit is the producer port for in-process producers.
func (s *Service) Submit(event *domain.Event) error {
	return s.processor.Submit(event)
}

// AcknowledgeAlert marks an alert acknowledged and releases its dedup
// entry. Acknowledging twice is not an error.
func (s *Service) AcknowledgeAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	if err := s.store.AcknowledgeAlert(ctx, id); err != nil {
		return nil, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load alert %d: %w", id, err)
	}
	if s.alerts != nil {
		s.alerts.Acknowledged(alert)
	}
	log.Info().Int64("alert_id", id).Str("alert_type", alert.AlertType).Msg("Alert acknowledged")
	return alert, nil
}

type Statistics struct {
	Events               domain.EventCounts     `json:"events"`
	UnacknowledgedAlerts int                    `json:"unacknowledged_alerts"`
	Pipeline             domain.MetricsSnapshot `json:"pipeline"`
	QueueLength          int                    `json:"queue_length"`
	QueueCapacity        int                    `json:"queue_capacity"`
}

func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := s.store.CountEvents(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("count events: %w", err)
	}
	unacked := false
	alerts, err := s.store.ListAlerts(ctx, domain.AlertFilter{Acknowledged: &unacked})
	if err != nil {
		return Statistics{}, fmt.Errorf("list alerts: %w", err)
	}
	return Statistics{
		Events:               counts,
		UnacknowledgedAlerts: len(alerts),
		Pipeline:             s.metrics.GetSnapshot(),
		QueueLength:          s.processor.QueueLength(),
		QueueCapacity:        s.processor.QueueCapacity(),
	}, nil
}

func (s *Service) Processor() *EventProcessor {
	return s.processor
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) WaitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	s.Stop()
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.WaitForSignal()
	return nil
}
