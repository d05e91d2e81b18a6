package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

type NATSSourceConfig struct {
	URL     string
	Subject string
	// Queue joins a queue group so several analyzers split one stream.
	Queue         string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	BufferSize    int
}

func DefaultNATSSourceConfig() NATSSourceConfig {
	return NATSSourceConfig{
		URL:           nats.DefaultURL,
		Subject:       "security.events",
		Name:          "os-security-events-analyzer",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		BufferSize:    1000,
	}
}

// NATSSource consumes JSON events published on a NATS subject. Messages that
// arrive while the buffer is full are dropped and counted.
type NATSSource struct {
	cfg    NATSSourceConfig
	parser ports.EventParser

	mu       sync.Mutex
	nc       *nats.Conn
	sub      *nats.Subscription
	running  bool
	stopChan chan struct{}

	received atomic.Int64
	dropped  atomic.Int64
	invalid  atomic.Int64
}

func NewNATSSource(cfg NATSSourceConfig, parser ports.EventParser) *NATSSource {
	def := DefaultNATSSourceConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if parser == nil {
		parser = NewJSONParser()
	}
	return &NATSSource{cfg: cfg, parser: parser}
}

func (s *NATSSource) Name() string {
	return "nats:" + s.cfg.Subject
}

func (s *NATSSource) Start(ctx context.Context) (<-chan *domain.Event, <-chan error) {
	eventChan := make(chan *domain.Event, s.cfg.BufferSize)
	errChan := make(chan error, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}

	fail := func(err error) (<-chan *domain.Event, <-chan error) {
		log.Error().Err(err).Str("url", s.cfg.URL).Str("subject", s.cfg.Subject).Msg("Failed to start NATS source")
		errChan <- err
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	if s.cfg.Subject == "" {
		return fail(errors.New("nats subject is required"))
	}

	closedCh := make(chan struct{})
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.ClosedHandler(func(_ *nats.Conn) { close(closedCh) }),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS async error")
		}),
	)
	if err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}

	stopChan := make(chan struct{})
	handler := func(msg *nats.Msg) {
		s.received.Add(1)
		event, err := s.parser.Parse(string(msg.Data))
		if err != nil {
			s.invalid.Add(1)
			log.Debug().Err(err).Str("subject", msg.Subject).Msg("Skipped invalid NATS message")
			return
		}
		select {
		case <-stopChan:
		case eventChan <- event:
		default:
			s.dropped.Add(1)
		}
	}

	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, handler)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		nc.Close()
		return fail(fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err))
	}

	s.nc = nc
	s.sub = sub
	s.running = true
	s.stopChan = stopChan

	log.Info().Str("url", s.cfg.URL).Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("Started NATS source")

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-stopChan:
		}
		// Drain flushes in-flight callbacks; the channels are closed only
		// after the connection is, so the handler never sends on a closed
		// channel.
		select {
		case <-closedCh:
		case <-time.After(5 * time.Second):
			nc.Close()
			<-closedCh
		}
		close(eventChan)
		close(errChan)
	}()

	return eventChan, errChan
}

// Stop drains the subscription. It is idempotent.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopChan)

	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Stats returns received, dropped and invalid message counts.
func (s *NATSSource) Stats() (received, dropped, invalid int64) {
	return s.received.Load(), s.dropped.Load(), s.invalid.Load()
}
