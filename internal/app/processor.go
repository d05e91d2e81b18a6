// Package app wires the event pipeline: ingestion queue, enrichment,
// threat analysis, alert generation, persistence and subscriber fan-out.
//
// The EventProcessor owns a bounded FIFO queue and exactly one consumer
// goroutine, so per-event work is strictly sequential and ordered. Producers
// never block: a full queue is reported as domain.ErrBackpressure.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

var errNilEvent = errors.New("nil event")

// Processing results reported to the observer.
const (
	ResultClean        = "clean"
	ResultAlerted      = "alerted"
	ResultSuppressed   = "suppressed"
	ResultAlertError   = "alert_error"
	ResultStorageError = "storage_error"
	ResultPanic        = "panic"
)

type ProcessorConfig struct {
	QueueCapacity int           // Ingestion queue size (default: 10000)
	StopTimeout   time.Duration // Max wait for the consumer on Stop (default: 2s)
	// DrainOnStop keeps processing queued events until StopTimeout instead
	// of discarding them as soon as the in-flight event completes.
	DrainOnStop bool
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		QueueCapacity: 10000,
		StopTimeout:   2 * time.Second,
	}
}

// EventProcessor runs the per-event pipeline:
//
//  1. enrichment (derived description, severity, subject)
//  2. persistence of the event at its severity baseline score
//  3. threat analysis (selects one detection; a higher score is written back)
//  4. alert generation and persistence, when a detection fired
//  5. subscriber notification, off the consumer goroutine
//
// A failed event write stops the event there: it never enters a detector
// window, is not alerted on and is not published.
//
// Thread Safety: Submit is safe for concurrent producers.
type EventProcessor struct {
	queue    chan *domain.Event
	capacity int

	enricher    *Enricher
	analyzer    *ThreatAnalyzer
	alerts      *AlertGenerator
	store       ports.EventRepository
	subscribers *SubscriberRegistry
	observer    ports.ProcessingObserver
	metrics     *domain.PipelineMetrics
	quarantine  *QuarantineWriter

	stopTimeout time.Duration
	drainOnStop bool

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	abort    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	discarded atomic.Int64
}

// ProcessorDeps are the collaborators of the pipeline. Observer, Metrics and
// Quarantine are optional.
type ProcessorDeps struct {
	Enricher    *Enricher
	Analyzer    *ThreatAnalyzer
	Alerts      *AlertGenerator
	Store       ports.EventRepository
	Subscribers *SubscriberRegistry
	Observer    ports.ProcessingObserver
	Metrics     *domain.PipelineMetrics
	Quarantine  *QuarantineWriter
}

func NewEventProcessor(config ProcessorConfig, deps ProcessorDeps) *EventProcessor {
	def := DefaultProcessorConfig()
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = def.QueueCapacity
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = def.StopTimeout
	}
	if deps.Enricher == nil {
		deps.Enricher = NewEnricher(DefaultEnricherConfig())
	}
	if deps.Subscribers == nil {
		deps.Subscribers = NewSubscriberRegistry(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = domain.NewPipelineMetrics()
	}
	if deps.Quarantine == nil {
		deps.Quarantine, _ = NewQuarantineWriter("")
	}

	return &EventProcessor{
		queue:       make(chan *domain.Event, config.QueueCapacity),
		capacity:    config.QueueCapacity,
		enricher:    deps.Enricher,
		analyzer:    deps.Analyzer,
		alerts:      deps.Alerts,
		store:       deps.Store,
		subscribers: deps.Subscribers,
		observer:    deps.Observer,
		metrics:     deps.Metrics,
		quarantine:  deps.Quarantine,
		stopTimeout: config.StopTimeout,
		drainOnStop: config.DrainOnStop,
		stopChan:    make(chan struct{}),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the consumer goroutine. It is a no-op when already running
// or after Stop.
func (p *EventProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	select {
	case <-p.stopChan:
		p.mu.Unlock()
		return
	default:
	}
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.consume(ctx)

	log.Info().
		Int("queue_capacity", p.capacity).
		Bool("drain_on_stop", p.drainOnStop).
		Msg("Event processor started")
}

// Submit enqueues an event without blocking. It returns
// domain.ErrBackpressure when the queue is full and
// domain.ErrProcessorStopped when the processor is not accepting events.
// The processor takes ownership of the event.
func (p *EventProcessor) Submit(event *domain.Event) error {
	if event == nil {
		return errNilEvent
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return domain.ErrProcessorStopped
	}

	select {
	case p.queue <- event:
		return nil
	default:
	}

	p.metrics.IncrementRejected()
	if p.observer != nil {
		p.observer.IncrementBackpressure(event.Source)
	}
	return domain.ErrBackpressure
}

func (p *EventProcessor) consume(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-p.stopChan:
			if p.drainOnStop {
				p.drain(ctx)
			}
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			if p.drainOnStop {
				p.drain(ctx)
			}
			return
		case event := <-p.queue:
			p.process(ctx, event)
		}
	}
}

func (p *EventProcessor) drain(ctx context.Context) {
	for {
		select {
		case <-p.abort:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case event := <-p.queue:
			p.process(ctx, event)
		default:
			return
		}
	}
}

// process runs the pipeline for one event. Nothing in here may end the
// consumer: every failure is logged and isolated to this event.
func (p *EventProcessor) process(ctx context.Context, event *domain.Event) {
	start := time.Now()
	result := ResultClean

	defer func() {
		if r := recover(); r != nil {
			result = ResultPanic
			p.metrics.IncrementFailed()
			log.Error().
				Interface("panic", r).
				Int64("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Str("source", event.Source).
				Msg("Event pipeline panic recovered")
			if err := p.quarantine.WriteToxicEvent("pipeline", r, event); err != nil {
				log.Error().Err(err).Msg("Failed to quarantine toxic event")
			}
		}
		p.metrics.IncrementProcessed()
		if p.observer != nil {
			p.observer.IncrementEventsProcessedByResult(result)
			p.observer.ObserveProcessingTime(time.Since(start).Seconds())
		}
	}()

	// Writes already started are never cut short by shutdown.
	writeCtx := context.WithoutCancel(ctx)

	p.enricher.Enrich(event)
	baseline := event.Severity.BaselineScore()
	event.ThreatScore = baseline

	// Only durable events reach the detector windows.
	id, err := p.store.AppendEvent(writeCtx, event)
	if err != nil {
		result = ResultStorageError
		p.metrics.IncrementFailed()
		log.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("source", event.Source).
			Msg("Failed to persist event, dropping it")
		return
	}
	event.ID = id

	var detection *domain.Detection
	if p.analyzer != nil {
		detection = p.analyzer.Analyze(ctx, event)
	}
	if event.ThreatScore != baseline {
		if err := p.store.SetEventThreatScore(writeCtx, id, event.ThreatScore); err != nil {
			log.Error().
				Err(err).
				Int64("event_id", id).
				Int("threat_score", event.ThreatScore).
				Msg("Failed to store threat score")
		}
	}

	var alert *domain.Alert
	if detection != nil && p.alerts != nil {
		alert, err = p.alerts.Generate(writeCtx, detection, event)
		switch {
		case err != nil:
			result = ResultAlertError
			log.Error().
				Err(err).
				Int64("event_id", id).
				Str("alert_type", detection.PatternName).
				Msg("Failed to persist alert")
		case alert == nil:
			result = ResultSuppressed
		default:
			result = ResultAlerted
		}
	}

	p.subscribers.Publish(event, alert)
}

// Stop stops accepting events and waits up to the stop timeout for the
// consumer to finish its in-flight event (and, with DrainOnStop, the queue).
// Events still queued afterwards are discarded; the count is returned.
// Stop is idempotent; later calls return 0.
func (p *EventProcessor) Stop() int64 {
	var discarded int64
	p.stopOnce.Do(func() {
		p.mu.Lock()
		wasRunning := p.running
		p.running = false
		close(p.stopChan)
		p.mu.Unlock()

		if wasRunning {
			timer := time.NewTimer(p.stopTimeout)
			select {
			case <-p.done:
				timer.Stop()
			case <-timer.C:
				close(p.abort)
				log.Warn().Dur("timeout", p.stopTimeout).Msg("Event processor stop timed out, in-flight event continues in background")
			}
		}

		discarded = p.discardQueued()
		if discarded > 0 {
			log.Warn().Int64("discarded", discarded).Msg("Event processor stopped with queued events discarded")
		} else {
			log.Info().Int64("processed", p.metrics.Processed()).Msg("Event processor stopped")
		}
	})
	return discarded
}

func (p *EventProcessor) discardQueued() int64 {
	var n int64
	for {
		select {
		case <-p.queue:
			n++
		default:
			p.discarded.Add(n)
			return n
		}
	}
}

// Done is closed when the consumer goroutine has exited.
func (p *EventProcessor) Done() <-chan struct{} {
	return p.done
}

func (p *EventProcessor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Discarded returns the events dropped from the queue at shutdown.
func (p *EventProcessor) Discarded() int64 {
	return p.discarded.Load()
}

func (p *EventProcessor) Subscribers() *SubscriberRegistry {
	return p.subscribers
}

func (p *EventProcessor) Metrics() *domain.PipelineMetrics {
	return p.metrics
}

// QueueLength returns events waiting in the queue.
func (p *EventProcessor) QueueLength() int {
	return len(p.queue)
}

func (p *EventProcessor) QueueCapacity() int {
	return p.capacity
}

// QueueUtilization returns the percentage of queue capacity in use.
func (p *EventProcessor) QueueUtilization() float64 {
	if p.capacity == 0 {
		return 0
	}
	return float64(len(p.queue)) / float64(p.capacity) * 100
}
