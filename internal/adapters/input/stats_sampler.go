package input

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// Connection is one established inet connection.
type Connection struct {
	RemoteIP   string
	RemotePort int
	LocalPort  int
}

func (c Connection) key() string {
	return c.RemoteIP + ":" + strconv.Itoa(c.RemotePort) + ">" + strconv.Itoa(c.LocalPort)
}

// Sample is one reading of the host.
type Sample struct {
	Stat        *domain.SystemStat
	Established []Connection
}

// Collector reads host resource usage.
type Collector interface {
	Collect(ctx context.Context) (Sample, error)
}

// HostCollector reads the local host through gopsutil.
type HostCollector struct {
	DiskPath string
}

func (c HostCollector) Collect(ctx context.Context) (Sample, error) {
	stat := &domain.SystemStat{}

	// Interval 0 compares against the previous call, so the sampler tick
	// is the measurement period.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(percents) > 0 {
		stat.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}
	stat.MemoryPercent = vm.UsedPercent

	diskPath := c.DiskPath
	if diskPath == "" {
		diskPath = "/"
	}
	if usage, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		stat.DiskPercent = usage.UsedPercent
	} else {
		log.Debug().Err(err).Str("path", diskPath).Msg("Disk usage unavailable")
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		stat.NetBytesSent = counters[0].BytesSent
		stat.NetBytesRecv = counters[0].BytesRecv
	}

	var established []Connection
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		// Listing other users' sockets needs elevated privileges on most hosts.
		log.Debug().Err(err).Msg("Connection listing unavailable")
	}
	stat.ConnectionCount = len(conns)
	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" || conn.Raddr.IP == "" {
			continue
		}
		established = append(established, Connection{
			RemoteIP:   conn.Raddr.IP,
			RemotePort: int(conn.Raddr.Port),
			LocalPort:  int(conn.Laddr.Port),
		})
	}

	return Sample{Stat: stat, Established: established}, nil
}

type StatsSamplerConfig struct {
	Interval time.Duration
	// Raw thresholds; a sample over any of them is also emitted as a
	// resource-spike event.
	CPUPercent    float64
	MemoryPercent float64
	Connections   int
	// ReportConnections emits a connection-observed event for each newly
	// established remote endpoint.
	ReportConnections bool
	BufferSize        int
	Clock             func() time.Time
}

func DefaultStatsSamplerConfig() StatsSamplerConfig {
	return StatsSamplerConfig{
		Interval:          10 * time.Second,
		CPUPercent:        90,
		MemoryPercent:     90,
		Connections:       500,
		ReportConnections: true,
		BufferSize:        256,
		Clock:             time.Now,
	}
}

// StatsSampler periodically samples the host, persists every snapshot
// through the sink and emits events for over-threshold samples and new
// connections.
type StatsSampler struct {
	cfg       StatsSamplerConfig
	collector Collector
	sink      ports.StatSink

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}

	// known is only touched by the sampling goroutine.
	known    map[string]struct{}
	baseline bool
}

func NewStatsSampler(collector Collector, sink ports.StatSink, cfg StatsSamplerConfig) *StatsSampler {
	def := DefaultStatsSamplerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if collector == nil {
		collector = HostCollector{}
	}
	return &StatsSampler{
		cfg:       cfg,
		collector: collector,
		sink:      sink,
		known:     make(map[string]struct{}),
	}
}

func (s *StatsSampler) Name() string {
	return "stats"
}

func (s *StatsSampler) Start(ctx context.Context) (<-chan *domain.Event, <-chan error) {
	eventChan := make(chan *domain.Event, s.cfg.BufferSize)
	errChan := make(chan error, 10)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stopChan := s.stopChan
	s.mu.Unlock()

	log.Info().Dur("interval", s.cfg.Interval).Msg("Started system stats sampler")

	go func() {
		defer close(eventChan)
		defer close(errChan)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = s.Stop()
				return
			case <-stopChan:
				return
			case <-ticker.C:
				events, err := s.SampleOnce(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to sample system stats")
					select {
					case errChan <- err:
					default:
					}
					continue
				}
				for _, event := range events {
					select {
					case eventChan <- event:
					case <-ctx.Done():
						return
					case <-stopChan:
						return
					}
				}
			}
		}
	}()

	return eventChan, errChan
}

// SampleOnce takes one reading, persists it and returns the events it
// produced. A persistence failure is logged and does not suppress events.
func (s *StatsSampler) SampleOnce(ctx context.Context) ([]*domain.Event, error) {
	sample, err := s.collector.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if sample.Stat == nil {
		return nil, nil
	}
	now := s.cfg.Clock().UTC()
	sample.Stat.Timestamp = now

	if s.sink != nil {
		if _, err := s.sink.AppendStat(ctx, sample.Stat); err != nil {
			log.Warn().Err(err).Msg("Failed to persist system stat")
		}
	}

	var events []*domain.Event
	if event := s.spikeEvent(sample.Stat); event != nil {
		events = append(events, event)
	}
	if s.cfg.ReportConnections {
		events = append(events, s.connectionEvents(now, sample.Established)...)
	}
	return events, nil
}

func (s *StatsSampler) spikeEvent(stat *domain.SystemStat) *domain.Event {
	over := stat.CPUPercent > s.cfg.CPUPercent ||
		stat.MemoryPercent > s.cfg.MemoryPercent ||
		(s.cfg.Connections > 0 && stat.ConnectionCount > s.cfg.Connections)
	if !over {
		return nil
	}

	snapshot := *stat
	payload, _ := json.Marshal(snapshot)
	return &domain.Event{
		Timestamp: stat.Timestamp,
		Type:      domain.EventResourceSpike,
		Severity:  domain.SeverityWarning,
		Source:    s.Name(),
		Description: fmt.Sprintf("Resource usage over threshold: cpu %.1f%%, memory %.1f%%, %d connections",
			stat.CPUPercent, stat.MemoryPercent, stat.ConnectionCount),
		Stat:       &snapshot,
		RawPayload: payload,
	}
}

// connectionEvents diffs the established set against the previous sample.
// The first sample only builds the baseline.
func (s *StatsSampler) connectionEvents(now time.Time, established []Connection) []*domain.Event {
	current := make(map[string]struct{}, len(established))
	var events []*domain.Event
	for _, conn := range established {
		k := conn.key()
		current[k] = struct{}{}
		if _, seen := s.known[k]; seen || !s.baseline {
			continue
		}
		payload, _ := json.Marshal(map[string]any{
			"remote_ip":   conn.RemoteIP,
			"remote_port": conn.RemotePort,
			"local_port":  conn.LocalPort,
		})
		events = append(events, &domain.Event{
			Timestamp: now,
			Type:      domain.EventConnectionObserved,
			Source:    "network",
			Subject: domain.Subject{
				SourceIP:   conn.RemoteIP,
				RemotePort: conn.RemotePort,
			},
			RawPayload: payload,
		})
	}
	s.known = current
	s.baseline = true
	return events
}

// Stop is idempotent.
func (s *StatsSampler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopChan)
	return nil
}
