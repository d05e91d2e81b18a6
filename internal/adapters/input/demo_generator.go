package input

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

// Scenario names accepted by DemoGenerator.Burst.
const (
	ScenarioBruteForce     = "brute-force"
	ScenarioRansomware     = "ransomware"
	ScenarioServiceInstall = "service-install"
)

type DemoConfig struct {
	// Rate is background events per second.
	Rate int
	// BurstInterval spaces attack scenarios; zero disables them.
	BurstInterval time.Duration
	BufferSize    int
	// Seed makes the traffic reproducible; zero seeds from the clock.
	Seed  int64
	Clock func() time.Time
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Rate:          20,
		BurstInterval: 15 * time.Second,
		BufferSize:    10000,
		Clock:         time.Now,
	}
}

// DemoGenerator produces synthetic host traffic: steady background noise
// with periodic attack bursts cycling through brute force followed by
// privilege use, ransomware-style file churn and service installation.
type DemoGenerator struct {
	cfg DemoConfig

	mu       sync.Mutex
	rng      *rand.Rand
	running  bool
	stopChan chan struct{}
	next     int

	generated atomic.Uint64
	dropped   atomic.Uint64

	normalIPs   []netip.Addr
	attackerIPs []netip.Addr
	users       []string
	documents   []string
	services    []string
}

func NewDemoGenerator(cfg DemoConfig) *DemoGenerator {
	def := DefaultDemoConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BurstInterval < 0 {
		cfg.BurstInterval = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &DemoGenerator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		stopChan: make(chan struct{}),
		normalIPs: generateIPPool(256, []string{
			"192.168.", "10.0.", "172.16.",
		}),
		attackerIPs: generateIPPool(64, []string{
			"45.33.", "185.220.", "89.234.", "91.121.",
		}),
		users:     []string{"alice", "bob", "carol", "dave", "erin", "svc-backup"},
		documents: []string{"report.docx", "budget.xlsx", "notes.txt", "photo.jpg", "contract.pdf"},
		services: []string{
			"WinUpdateHelper", "svchost32", "RemoteSupportAgent", "PrintSpoolerExt",
		},
	}
}

func (g *DemoGenerator) Name() string {
	return "demo"
}

func (g *DemoGenerator) Start(ctx context.Context) (<-chan *domain.Event, <-chan error) {
	eventChan := make(chan *domain.Event, g.cfg.BufferSize)
	errChan := make(chan error, 10)

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		close(eventChan)
		close(errChan)
		return eventChan, errChan
	}
	g.running = true
	g.stopChan = make(chan struct{})
	stopChan := g.stopChan
	g.mu.Unlock()

	go func() {
		defer close(eventChan)
		defer close(errChan)

		log.Info().
			Int("rate", g.cfg.Rate).
			Dur("burst_interval", g.cfg.BurstInterval).
			Msg("Demo generator started")

		batchesPerSecond := 10
		batchSize := g.cfg.Rate / batchesPerSecond
		if batchSize < 1 {
			batchSize = 1
			batchesPerSecond = g.cfg.Rate
		}
		ticker := time.NewTicker(time.Second / time.Duration(batchesPerSecond))
		defer ticker.Stop()

		var bursts <-chan time.Time
		if g.cfg.BurstInterval > 0 {
			burstTicker := time.NewTicker(g.cfg.BurstInterval)
			defer burstTicker.Stop()
			bursts = burstTicker.C
		}

		emit := func(events []*domain.Event) bool {
			for _, event := range events {
				select {
				case eventChan <- event:
					g.generated.Add(1)
				case <-ctx.Done():
					return false
				case <-stopChan:
					return false
				default:
					g.dropped.Add(1)
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped (context cancelled)")
				_ = g.Stop()
				return
			case <-stopChan:
				log.Info().Uint64("total_generated", g.generated.Load()).Msg("Demo generator stopped")
				return
			case <-bursts:
				scenario := g.nextScenario()
				log.Info().Str("scenario", scenario).Msg("Demo attack burst")
				if !emit(g.Burst(scenario)) {
					return
				}
			case <-ticker.C:
				batch := make([]*domain.Event, 0, batchSize)
				for i := 0; i < batchSize; i++ {
					batch = append(batch, g.Background())
				}
				if !emit(batch) {
					return
				}
			}
		}
	}()

	return eventChan, errChan
}

func (g *DemoGenerator) nextScenario() string {
	scenarios := []string{ScenarioBruteForce, ScenarioRansomware, ScenarioServiceInstall}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := scenarios[g.next%len(scenarios)]
	g.next++
	return s
}

func (g *DemoGenerator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

// Background returns one benign event.
func (g *DemoGenerator) Background() *domain.Event {
	now := g.cfg.Clock().UTC()
	user := g.users[g.intn(len(g.users))]
	ip := g.normalIPs[g.intn(len(g.normalIPs))].String()

	switch roll := g.intn(100); {
	case roll < 55:
		return &domain.Event{
			Timestamp: now, Type: domain.EventSuccessfulLogin, Source: g.Name(), NativeID: 4624,
			Subject: domain.Subject{User: user, SourceIP: ip},
		}
	case roll < 75:
		dirs := []string{"documents", "projects", "downloads", "desktop"}
		doc := g.documents[g.intn(len(g.documents))]
		return &domain.Event{
			Timestamp: now, Type: domain.EventFileModified, Source: g.Name(),
			Subject: domain.Subject{User: user, Path: "/home/" + user + "/" + dirs[g.intn(len(dirs))] + "/" + doc},
		}
	case roll < 97:
		ports := []int{443, 80, 53, 8080}
		return &domain.Event{
			Timestamp: now, Type: domain.EventConnectionObserved, Source: g.Name(),
			Subject: domain.Subject{SourceIP: ip, RemotePort: ports[g.intn(len(ports))]},
		}
	default:
		// A stray miss keyed by address stays far below the brute-force
		// threshold.
		return &domain.Event{
			Timestamp: now, Type: domain.EventFailedLogin, Source: g.Name(), NativeID: 4625,
			Subject: domain.Subject{SourceIP: ip},
		}
	}
}

// Burst returns the events of one attack scenario, oldest first. Unknown
// scenarios return nil.
func (g *DemoGenerator) Burst(scenario string) []*domain.Event {
	now := g.cfg.Clock().UTC()
	attacker := g.attackerIPs[g.intn(len(g.attackerIPs))].String()

	switch scenario {
	case ScenarioBruteForce:
		target := "admin"
		events := make([]*domain.Event, 0, 9)
		for i := 0; i < 7; i++ {
			events = append(events, &domain.Event{
				Timestamp: now.Add(time.Duration(i) * 200 * time.Millisecond),
				Type:      domain.EventFailedLogin, Source: g.Name(), NativeID: 4625,
				Subject: domain.Subject{User: target, SourceIP: attacker, RemotePort: 22},
			})
		}
		at := now.Add(1500 * time.Millisecond)
		events = append(events,
			&domain.Event{
				Timestamp: at, Type: domain.EventSuccessfulLogin, Source: g.Name(), NativeID: 4624,
				Subject: domain.Subject{User: target, SourceIP: attacker, RemotePort: 22},
			},
			&domain.Event{
				Timestamp: at.Add(100 * time.Millisecond), Type: domain.EventPrivilegeAssigned,
				Source: g.Name(), NativeID: 4672,
				Subject: domain.Subject{User: target, SourceIP: attacker},
			},
		)
		return events

	case ScenarioRansomware:
		root := "/srv/share/finance"
		events := make([]*domain.Event, 0, 120)
		for i := 0; i < 60; i++ {
			name := root + "/" + strconv.Itoa(i) + "-" + g.documents[i%len(g.documents)]
			at := now.Add(time.Duration(i) * 10 * time.Millisecond)
			events = append(events,
				&domain.Event{
					Timestamp: at, Type: domain.EventFileCreated, Source: g.Name(),
					Subject: domain.Subject{Path: name + ".locked"},
				},
				&domain.Event{
					Timestamp: at.Add(time.Millisecond), Type: domain.EventFileDeleted, Source: g.Name(),
					Subject: domain.Subject{Path: name},
				},
			)
		}
		return events

	case ScenarioServiceInstall:
		events := make([]*domain.Event, 0, 2)
		for i := 0; i < 2; i++ {
			svc := g.services[g.intn(len(g.services))]
			events = append(events, &domain.Event{
				Timestamp: now.Add(time.Duration(i) * time.Second),
				Type:      domain.EventServiceInstalled, Source: g.Name(), NativeID: 7045,
				Description: fmt.Sprintf("Service %s installed from C:\\Users\\Public\\%s.exe", svc, svc),
				Subject:     domain.Subject{Service: svc, User: "SYSTEM"},
			})
		}
		return events
	}
	return nil
}

func (g *DemoGenerator) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}

	close(g.stopChan)
	g.running = false

	return nil
}

func (g *DemoGenerator) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *DemoGenerator) Generated() uint64 {
	return g.generated.Load()
}

func (g *DemoGenerator) Dropped() uint64 {
	return g.dropped.Load()
}

func generateIPPool(count int, prefixes []string) []netip.Addr {
	ips := make([]netip.Addr, 0, count)
	perPrefix := count / len(prefixes)
	remainder := count % len(prefixes)

	for i, prefix := range prefixes {
		n := perPrefix
		if i < remainder {
			n++
		}
		for j := 0; j < n; j++ {
			third := (j / 256) % 256
			fourth := j % 256
			if fourth == 0 {
				fourth = 1
			}

			ipStr := prefix + strconv.Itoa(third) + "." + strconv.Itoa(fourth)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				ips = append(ips, addr)
			}
		}
	}

	return ips
}
