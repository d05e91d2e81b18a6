package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/detection"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/input"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/output"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/adapters/storage"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/app"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
	"github.com/codeWithOrange/os-security-events-analyzer/pkg/slidingwindow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the analyzer pipeline",
	Long: `Start ingesting events from the configured sources and analyze them in
real time until interrupted.

Examples:
  analyzer run --demo
  analyzer run --tail /var/log/auth.log --format authlog --console
  analyzer run --watch /srv/share --watch /home --stats
  analyzer run --nats security.events --json`,
	RunE: runAnalyzer,
}

func init() {
	f := runCmd.Flags()
	f.Bool("demo", false, "generate synthetic traffic with attack bursts")
	f.Int("demo-rate", 0, "demo mode: background events per second")
	f.String("tail", "", "event file to follow")
	f.String("format", "", "tail line format: auto, json, authlog")
	f.Bool("from-start", false, "read the tailed file from the beginning")
	f.StringSlice("watch", nil, "directory or file to watch for changes (repeatable)")
	f.Bool("stats", false, "sample host CPU, memory and connections")
	f.String("nats", "", "NATS subject carrying JSON events")
	f.Bool("json", false, "write alerts as JSON lines to stdout")
	f.Bool("console", false, "print events and alerts to stdout")
	f.Bool("alerts-only", false, "console output shows alerts only")
}

// applyRunFlags overrides configuration with explicitly set flags. A source
// flag also enables the source.
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	if on, _ := flags.GetBool("demo"); on {
		viper.Set("sources.demo.enabled", true)
	}
	if flags.Changed("demo-rate") {
		rate, _ := flags.GetInt("demo-rate")
		viper.Set("sources.demo.rate", rate)
	}
	if path, _ := flags.GetString("tail"); path != "" {
		viper.Set("sources.tail.enabled", true)
		viper.Set("sources.tail.path", path)
	}
	if format, _ := flags.GetString("format"); format != "" {
		viper.Set("sources.tail.format", format)
	}
	if on, _ := flags.GetBool("from-start"); on {
		viper.Set("sources.tail.from_start", true)
	}
	if paths, _ := flags.GetStringSlice("watch"); len(paths) > 0 {
		viper.Set("sources.watch.enabled", true)
		viper.Set("sources.watch.paths", paths)
	}
	if on, _ := flags.GetBool("stats"); on {
		viper.Set("sources.stats.enabled", true)
	}
	if subject, _ := flags.GetString("nats"); subject != "" {
		viper.Set("sources.nats.enabled", true)
		viper.Set("sources.nats.subject", subject)
	}
	if on, _ := flags.GetBool("json"); on {
		viper.Set("output.json.enabled", true)
	}
	if on, _ := flags.GetBool("console"); on {
		viper.Set("output.console.enabled", true)
	}
	if on, _ := flags.GetBool("alerts-only"); on {
		viper.Set("output.console.enabled", true)
		viper.Set("output.console.alerts_only", true)
	}
}

func runAnalyzer(cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	windows := detection.NewWindowStore(windowConfig(cfg))
	analyzer := app.NewThreatAnalyzer(detection.NewDetectors(windows, detectorConfig(cfg)))
	log.Debug().Int("detectors", len(analyzer.Detectors())).Msg("Detectors loaded")

	recs, err := app.LoadRecommendations(cfg.Alerts.RecommendationsFile)
	if err != nil {
		return err
	}
	alerts, err := app.NewAlertGenerator(store, recs, app.AlertGeneratorConfig{
		Cooldown:   cfg.Alerts.Cooldown,
		MaxTracked: cfg.Alerts.MaxTracked,
	})
	if err != nil {
		return err
	}

	quarantine, err := app.NewQuarantineWriter(cfg.Queue.QuarantinePath)
	if err != nil {
		return err
	}
	defer quarantine.Close()

	metrics := domain.NewPipelineMetrics()
	analyzer.SetMetrics(metrics)
	alerts.SetMetrics(metrics)

	var observer ports.ProcessingObserver
	var promMetrics *output.PrometheusMetrics
	if cfg.Output.Metrics.Enabled {
		promMetrics = output.NewPrometheusMetrics("secanalyzer")
		observer = promMetrics
		analyzer.SetObserver(promMetrics)
	}

	subscribers := app.NewSubscriberRegistry(cfg.Subscribers.Buffer)
	processor := app.NewEventProcessor(app.ProcessorConfig{
		QueueCapacity: cfg.Queue.Capacity,
		StopTimeout:   cfg.Queue.StopTimeout,
		DrainOnStop:   cfg.Queue.DrainOnStop,
	}, app.ProcessorDeps{
		Enricher: app.NewEnricher(app.EnricherConfig{
			SuspiciousPorts:      cfg.Enrichment.SuspiciousPorts,
			RansomwareExtensions: cfg.Enrichment.RansomwareExtensions,
		}),
		Analyzer:    analyzer,
		Alerts:      alerts,
		Store:       store,
		Subscribers: subscribers,
		Observer:    observer,
		Metrics:     metrics,
		Quarantine:  quarantine,
	})

	recent := output.NewMemoryAlerter(100)
	subscribers.Subscribe("recent", recent)

	if promMetrics != nil {
		promMetrics.RegisterQueue(processor)
		subscribers.Subscribe("prometheus", promMetrics)

		health := output.NewHealthChecker(processor, metrics, output.DefaultHealthCheckerConfig())
		metricsConfig := output.MetricsConfig{Addr: cfg.Output.Metrics.Addr, Path: "/metrics"}
		if err := promMetrics.StartServer(metricsConfig, health); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
		defer promMetrics.StopServer()
	}

	if cfg.Output.JSON.Enabled {
		jsonAlerter, err := output.NewJSONAlerter(output.JSONAlerterConfig{
			FilePath: cfg.Output.JSON.Path,
			Stdout:   cfg.Output.JSON.Path == "",
		})
		if err != nil {
			return fmt.Errorf("failed to create JSON alerter: %w", err)
		}
		defer jsonAlerter.Close()
		subscribers.Subscribe("json", jsonAlerter)
	}

	if cfg.Output.Console.Enabled {
		subscribers.Subscribe("console", output.NewConsoleSubscriber(os.Stdout, cfg.Output.Console.AlertsOnly))
	}

	sources, err := buildSources(cfg, store)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no event source enabled: use --demo, --tail, --watch, --stats or --nats")
	}

	var hotReload *app.HotReloadConfig
	if viper.ConfigFileUsed() != "" {
		hotReload = app.NewHotReloadConfig(viper.GetViper(), cfg, app.DetectorReloader(analyzer, alerts,
			func(c *app.Config) ([]ports.PatternDetector, error) {
				windows.SetMaxEntriesPerKey(c.Detection.MaxEntriesPerKey)
				return detection.NewDetectors(windows, detectorConfig(c)), nil
			}))
	}

	service := app.NewService(app.ServiceDeps{
		Processor: processor,
		Store:     store,
		Alerts:    alerts,
		Retention: app.NewRetentionSweeper(store, cfg.Retention.MaxAge, cfg.Retention.Interval, nil),
		Windows:   windows,
		HotReload: hotReload,
		Sources:   sources,
	})

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("path", cfg.Storage.Path).
		Int("sources", len(sources)).
		Msg("Analyzer started")

	if err := service.Run(ctx); err != nil {
		return err
	}

	printSummary(processor.Metrics().GetSnapshot(), recent)
	return nil
}

func printSummary(snap domain.MetricsSnapshot, recent *output.MemoryAlerter) {
	console := output.NewConsoleSubscriber(os.Stderr, true)
	console.PrintPipeline(snap)
	for _, alert := range recent.GetLatestAlerts(5) {
		console.PrintAlert(alert)
	}
}

func windowConfig(cfg *app.Config) slidingwindow.Config {
	wc := slidingwindow.DefaultConfig()
	wc.MaxKeysPerShard = cfg.Detection.MaxKeysPerShard
	wc.MaxEntriesPerKey = cfg.Detection.MaxEntriesPerKey
	wc.CleanupInterval = cfg.Detection.CleanupInterval
	return wc
}

func detectorConfig(cfg *app.Config) detection.Config {
	d := cfg.Detection
	return detection.Config{
		BruteForce: detection.BruteForceConfig{
			Threshold: d.BruteForce.Threshold,
			Window:    d.BruteForce.Window,
		},
		PrivilegeEscalation: detection.PrivilegeEscalationConfig{
			Window: d.PrivilegeEscalation.Window,
		},
		Ransomware: detection.RansomwareConfig{
			Threshold: d.Ransomware.Threshold,
			Window:    d.Ransomware.Window,
			Roots:     d.Ransomware.Roots,
		},
		ServiceInstall: detection.ServiceInstallConfig{
			Window: d.ServiceInstall.Window,
		},
		Resource: detection.ResourceConfig{
			CPUPercent:       d.Resource.CPUPercent,
			MemoryPercent:    d.Resource.MemoryPercent,
			Connections:      d.Resource.Connections,
			SustainedSamples: d.Resource.SustainedSamples,
			Window:           d.Resource.Window,
		},
	}
}

func buildSources(cfg *app.Config, sink ports.StatSink) ([]ports.EventSource, error) {
	var sources []ports.EventSource
	src := cfg.Sources

	if src.Tail.Enabled {
		parser, err := input.NewParser(src.Tail.Format)
		if err != nil {
			return nil, err
		}
		tailer := input.NewFileTailer(src.Tail.Path, parser, cfg.Queue.Capacity)
		tailer.SetFromBeginning(src.Tail.FromStart)
		sources = append(sources, tailer)
	}

	if src.Watch.Enabled {
		wc := input.DefaultFileWatcherConfig()
		wc.Paths = src.Watch.Paths
		wc.CriticalFiles = src.Watch.CriticalFiles
		sources = append(sources, input.NewFileWatcher(wc))
	}

	if src.Stats.Enabled {
		sc := input.DefaultStatsSamplerConfig()
		sc.Interval = src.Stats.Interval
		sc.CPUPercent = cfg.Detection.Resource.CPUPercent
		sc.MemoryPercent = cfg.Detection.Resource.MemoryPercent
		sc.Connections = cfg.Detection.Resource.Connections
		sources = append(sources, input.NewStatsSampler(input.HostCollector{}, sink, sc))
	}

	if src.NATS.Enabled {
		nc := input.DefaultNATSSourceConfig()
		nc.URL = src.NATS.URL
		nc.Subject = src.NATS.Subject
		nc.Queue = src.NATS.Queue
		sources = append(sources, input.NewNATSSource(nc, nil))
	}

	if src.Demo.Enabled {
		dc := input.DefaultDemoConfig()
		dc.Rate = src.Demo.Rate
		dc.BufferSize = cfg.Queue.Capacity
		sources = append(sources, input.NewDemoGenerator(dc))
		log.Info().Int("rate", dc.Rate).Dur("burst_interval", dc.BurstInterval).Msg("Demo mode enabled")
	}

	return sources, nil
}
