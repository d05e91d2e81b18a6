package input

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

type scriptedCollector struct {
	mu      sync.Mutex
	samples []Sample
	err     error
	calls   atomic.Int64
}

func (c *scriptedCollector) Collect(ctx context.Context) (Sample, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Sample{}, c.err
	}
	if len(c.samples) == 0 {
		return Sample{Stat: &domain.SystemStat{CPUPercent: 5}}, nil
	}
	s := c.samples[0]
	if len(c.samples) > 1 {
		c.samples = c.samples[1:]
	}
	return s, nil
}

type statSink struct {
	mu    sync.Mutex
	stats []*domain.SystemStat
	fail  bool
}

func (s *statSink) AppendStat(ctx context.Context, stat *domain.SystemStat) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("database is locked")
	}
	s.stats = append(s.stats, stat)
	return int64(len(s.stats)), nil
}

func (s *statSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stats)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func testSamplerConfig(now time.Time) StatsSamplerConfig {
	cfg := DefaultStatsSamplerConfig()
	cfg.Clock = func() time.Time { return now }
	return cfg
}

func TestStatsSampler_PersistsEverySample(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sink := &statSink{}
	sampler := NewStatsSampler(&scriptedCollector{}, sink, testSamplerConfig(now))

	events, err := sampler.SampleOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, events)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, now, sink.stats[0].Timestamp)
}

func TestStatsSampler_SpikeEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		stat  domain.SystemStat
		spike bool
	}{
		{"quiet", domain.SystemStat{CPUPercent: 20, MemoryPercent: 40, ConnectionCount: 30}, false},
		{"at threshold", domain.SystemStat{CPUPercent: 90, MemoryPercent: 90, ConnectionCount: 500}, false},
		{"cpu", domain.SystemStat{CPUPercent: 97.5}, true},
		{"memory", domain.SystemStat{MemoryPercent: 93}, true},
		{"connections", domain.SystemStat{ConnectionCount: 501}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stat := tc.stat
			collector := &scriptedCollector{samples: []Sample{{Stat: &stat}}}
			sampler := NewStatsSampler(collector, nil, testSamplerConfig(now))

			events, err := sampler.SampleOnce(context.Background())
			require.NoError(t, err)

			if !tc.spike {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			event := events[0]
			assert.Equal(t, domain.EventResourceSpike, event.Type)
			assert.Equal(t, "stats", event.Source)
			assert.Equal(t, now, event.Timestamp)
			require.NotNil(t, event.Stat)
			assert.Equal(t, tc.stat.CPUPercent, event.Stat.CPUPercent)
			assert.NotSame(t, &stat, event.Stat)
			assert.JSONEq(t, string(mustJSON(t, event.Stat)), string(event.RawPayload))
		})
	}
}

func TestStatsSampler_NewConnections(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	web := Connection{RemoteIP: "93.184.216.34", RemotePort: 443, LocalPort: 50000}
	rdp := Connection{RemoteIP: "45.33.1.9", RemotePort: 3389, LocalPort: 50001}

	collector := &scriptedCollector{samples: []Sample{
		{Stat: &domain.SystemStat{}, Established: []Connection{web}},
		{Stat: &domain.SystemStat{}, Established: []Connection{web, rdp}},
		{Stat: &domain.SystemStat{}, Established: []Connection{rdp}},
		{Stat: &domain.SystemStat{}, Established: []Connection{web, rdp}},
	}}
	sampler := NewStatsSampler(collector, nil, testSamplerConfig(now))
	ctx := context.Background()

	events, err := sampler.SampleOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "first sample only builds the baseline")

	events, err = sampler.SampleOnce(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventConnectionObserved, events[0].Type)
	assert.Equal(t, "45.33.1.9", events[0].Subject.SourceIP)
	assert.Equal(t, 3389, events[0].Subject.RemotePort)

	events, err = sampler.SampleOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = sampler.SampleOnce(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1, "a closed and reopened connection is new again")
	assert.Equal(t, "93.184.216.34", events[0].Subject.SourceIP)
}

func TestStatsSampler_ConnectionReportingDisabled(t *testing.T) {
	cfg := testSamplerConfig(time.Now())
	cfg.ReportConnections = false
	conn := Connection{RemoteIP: "45.33.1.9", RemotePort: 4444}
	collector := &scriptedCollector{samples: []Sample{
		{Stat: &domain.SystemStat{}},
		{Stat: &domain.SystemStat{}, Established: []Connection{conn}},
	}}
	sampler := NewStatsSampler(collector, nil, cfg)

	for i := 0; i < 2; i++ {
		events, err := sampler.SampleOnce(context.Background())
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

func TestStatsSampler_Errors(t *testing.T) {
	t.Run("collector failure", func(t *testing.T) {
		sampler := NewStatsSampler(&scriptedCollector{err: errors.New("no /proc")}, nil, testSamplerConfig(time.Now()))
		_, err := sampler.SampleOnce(context.Background())
		assert.Error(t, err)
	})

	t.Run("sink failure keeps events", func(t *testing.T) {
		collector := &scriptedCollector{samples: []Sample{{Stat: &domain.SystemStat{CPUPercent: 99}}}}
		sampler := NewStatsSampler(collector, &statSink{fail: true}, testSamplerConfig(time.Now()))
		events, err := sampler.SampleOnce(context.Background())
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestStatsSampler_StartStop(t *testing.T) {
	cfg := testSamplerConfig(time.Now())
	cfg.Interval = 5 * time.Millisecond
	collector := &scriptedCollector{samples: []Sample{{Stat: &domain.SystemStat{CPUPercent: 99}}}}
	sink := &statSink{}
	sampler := NewStatsSampler(collector, sink, cfg)
	assert.Equal(t, "stats", sampler.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := sampler.Start(ctx)

	got := receive(t, events, 2)
	assert.Equal(t, domain.EventResourceSpike, got[1].Type)
	assert.GreaterOrEqual(t, sink.count(), 2)

	require.NoError(t, sampler.Stop())
	require.NoError(t, sampler.Stop())
	for range events {
	}
}
