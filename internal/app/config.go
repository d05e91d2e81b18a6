package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

type Config struct {
	Queue       QueueConfig       `mapstructure:"queue"`
	Subscribers SubscribersConfig `mapstructure:"subscribers"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Output      OutputConfig      `mapstructure:"output"`
	Sources     SourcesConfig     `mapstructure:"sources"`
}

type QueueConfig struct {
	Capacity       int           `mapstructure:"capacity" validate:"gte=1,lte=10000000"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
	DrainOnStop    bool          `mapstructure:"drain_on_stop"`
	QuarantinePath string        `mapstructure:"quarantine_path"`
}

type SubscribersConfig struct {
	Buffer int `mapstructure:"buffer" validate:"gte=1"`
}

type DetectionConfig struct {
	BruteForce struct {
		Threshold int           `mapstructure:"threshold" validate:"gte=1"`
		Window    time.Duration `mapstructure:"window" validate:"gt=0"`
	} `mapstructure:"brute_force"`
	PrivilegeEscalation struct {
		Window time.Duration `mapstructure:"window" validate:"gt=0"`
	} `mapstructure:"privilege_escalation"`
	Ransomware struct {
		Threshold int           `mapstructure:"threshold" validate:"gte=1"`
		Window    time.Duration `mapstructure:"window" validate:"gt=0"`
		Roots     []string      `mapstructure:"roots"`
	} `mapstructure:"ransomware"`
	ServiceInstall struct {
		Window time.Duration `mapstructure:"window" validate:"gt=0"`
	} `mapstructure:"service_install"`
	Resource struct {
		CPUPercent       float64       `mapstructure:"cpu_percent" validate:"gt=0,lte=100"`
		MemoryPercent    float64       `mapstructure:"memory_percent" validate:"gt=0,lte=100"`
		Connections      int           `mapstructure:"connections" validate:"gte=1"`
		SustainedSamples int           `mapstructure:"sustained_samples" validate:"gte=1"`
		Window           time.Duration `mapstructure:"window" validate:"gt=0"`
	} `mapstructure:"resource"`
	MaxKeysPerShard  int           `mapstructure:"max_keys_per_shard" validate:"gte=1"`
	// MaxEntriesPerKey caps each window; counts never exceed it.
	MaxEntriesPerKey int           `mapstructure:"max_entries_per_key" validate:"gte=1"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

type EnrichmentConfig struct {
	SuspiciousPorts      []int    `mapstructure:"suspicious_ports" validate:"dive,gte=1,lte=65535"`
	RansomwareExtensions []string `mapstructure:"ransomware_extensions"`
}

type AlertsConfig struct {
	// Cooldown of zero means each detector's own window.
	Cooldown            time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	RecommendationsFile string        `mapstructure:"recommendations_file"`
	MaxTracked          int           `mapstructure:"max_tracked" validate:"gte=1"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age" validate:"gt=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite bolt"`
	Path   string `mapstructure:"path" validate:"required"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Console bool   `mapstructure:"console"`
}

type OutputConfig struct {
	JSON struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"json"`
	Console struct {
		Enabled    bool `mapstructure:"enabled"`
		AlertsOnly bool `mapstructure:"alerts_only"`
	} `mapstructure:"console"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	} `mapstructure:"metrics"`
}

type SourcesConfig struct {
	Tail struct {
		Enabled   bool   `mapstructure:"enabled"`
		Path      string `mapstructure:"path" validate:"required_if=Enabled true"`
		Format    string `mapstructure:"format" validate:"omitempty,oneof=auto json authlog"`
		FromStart bool   `mapstructure:"from_start"`
	} `mapstructure:"tail"`
	Watch struct {
		Enabled       bool     `mapstructure:"enabled"`
		Paths         []string `mapstructure:"paths" validate:"required_if=Enabled true"`
		CriticalFiles []string `mapstructure:"critical_files"`
	} `mapstructure:"watch"`
	Stats struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	} `mapstructure:"stats"`
	NATS struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url" validate:"required_if=Enabled true"`
		Subject string `mapstructure:"subject" validate:"required_if=Enabled true"`
		Queue   string `mapstructure:"queue"`
	} `mapstructure:"nats"`
	Demo struct {
		Enabled bool `mapstructure:"enabled"`
		Rate    int  `mapstructure:"rate" validate:"gte=1"`
	} `mapstructure:"demo"`
}

// DefaultCriticalFiles are host files whose every change is reported as
// Critical by the file watcher.
var DefaultCriticalFiles = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/group",
	"/etc/sudoers",
	"/etc/hosts",
	"/etc/ssh/sshd_config",
	"/etc/crontab",
}

// SetDefaults registers every tunable with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.stop_timeout", "2s")
	v.SetDefault("queue.drain_on_stop", false)
	v.SetDefault("queue.quarantine_path", "")

	v.SetDefault("subscribers.buffer", 1024)

	v.SetDefault("detection.brute_force.threshold", 5)
	v.SetDefault("detection.brute_force.window", "300s")
	v.SetDefault("detection.privilege_escalation.window", "600s")
	v.SetDefault("detection.ransomware.threshold", 50)
	v.SetDefault("detection.ransomware.window", "60s")
	v.SetDefault("detection.ransomware.roots", []string{})
	v.SetDefault("detection.service_install.window", "1800s")
	v.SetDefault("detection.resource.cpu_percent", 90.0)
	v.SetDefault("detection.resource.memory_percent", 90.0)
	v.SetDefault("detection.resource.connections", 500)
	v.SetDefault("detection.resource.sustained_samples", 3)
	v.SetDefault("detection.resource.window", "60s")
	v.SetDefault("detection.max_keys_per_shard", 10000)
	v.SetDefault("detection.max_entries_per_key", 4096)
	v.SetDefault("detection.cleanup_interval", "30s")

	v.SetDefault("enrichment.suspicious_ports", DefaultSuspiciousPorts)
	v.SetDefault("enrichment.ransomware_extensions", DefaultRansomwareExtensions)

	v.SetDefault("alerts.cooldown", "0s")
	v.SetDefault("alerts.recommendations_file", "")
	v.SetDefault("alerts.max_tracked", 10000)

	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.interval", "1h")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/events.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)

	v.SetDefault("output.json.enabled", false)
	v.SetDefault("output.json.path", "")
	v.SetDefault("output.console.enabled", false)
	v.SetDefault("output.console.alerts_only", false)
	v.SetDefault("output.metrics.enabled", true)
	v.SetDefault("output.metrics.addr", ":9090")

	v.SetDefault("sources.tail.enabled", false)
	v.SetDefault("sources.tail.format", "auto")
	v.SetDefault("sources.tail.from_start", false)
	v.SetDefault("sources.watch.enabled", false)
	v.SetDefault("sources.watch.critical_files", DefaultCriticalFiles)
	v.SetDefault("sources.stats.enabled", false)
	v.SetDefault("sources.stats.interval", "10s")
	v.SetDefault("sources.nats.enabled", false)
	v.SetDefault("sources.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("sources.nats.subject", "security.events")
	v.SetDefault("sources.demo.enabled", false)
	v.SetDefault("sources.demo.rate", 20)
}

// LoadConfig unmarshals and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &domain.ConfigurationError{Field: "config", Value: v.ConfigFileUsed(), Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks every tunable. The first violation is returned as a
// *domain.ConfigurationError naming the dotted config key.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &domain.ConfigurationError{
				Field:  configKey(fe.Namespace()),
				Value:  fe.Value(),
				Reason: reasonFor(fe),
			}
		}
		return &domain.ConfigurationError{Field: "config", Reason: err.Error()}
	}

	// A window saturates at max_entries_per_key, so a larger threshold
	// could never fire.
	d := c.Detection
	for _, t := range []struct {
		key   string
		value int
	}{
		{"detection.brute_force.threshold", d.BruteForce.Threshold},
		{"detection.ransomware.threshold", d.Ransomware.Threshold},
		{"detection.resource.sustained_samples", d.Resource.SustainedSamples},
	} {
		if t.value > d.MaxEntriesPerKey {
			return &domain.ConfigurationError{
				Field:  t.key,
				Value:  t.value,
				Reason: fmt.Sprintf("must not exceed detection.max_entries_per_key (%d)", d.MaxEntriesPerKey),
			}
		}
	}

	if c.Retention.Interval > c.Retention.MaxAge {
		return &domain.ConfigurationError{
			Field:  "retention.interval",
			Value:  c.Retention.Interval,
			Reason: "must not exceed retention.max_age",
		}
	}
	return nil
}

// configKey turns "Config.detection.brute_force.window" into
// "detection.brute_force.window".
func configKey(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "required", "required_if":
		return "is required"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// ReloadFunc applies a validated configuration to the running pipeline.
type ReloadFunc func(ctx context.Context, cfg *Config) error

// HotReloadConfig watches the config file and re-applies detection
// settings when it changes. Invalid configurations are rejected and the
// running settings are kept.
type HotReloadConfig struct {
	v       *viper.Viper
	apply   ReloadFunc
	current *Config

	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewHotReloadConfig(v *viper.Viper, current *Config, apply ReloadFunc) *HotReloadConfig {
	return &HotReloadConfig{
		v:        v,
		apply:    apply,
		current:  current,
		stopChan: make(chan struct{}),
	}
}

func (h *HotReloadConfig) StartWatching(ctx context.Context) {
	h.v.OnConfigChange(func(e fsnotify.Event) {
		select {
		case <-h.stopChan:
			return
		default:
		}
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")

		if err := h.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("Configuration reload rejected, keeping current settings")
		}
	})

	h.v.WatchConfig()
	log.Info().Str("config", h.v.ConfigFileUsed()).Msg("Hot-reload config watching started")
}

// Reload re-reads the file, validates it, and applies it.
func (h *HotReloadConfig) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.v.ConfigFileUsed() != "" {
		if err := h.v.ReadInConfig(); err != nil {
			return fmt.Errorf("re-read config: %w", err)
		}
	}

	cfg, err := LoadConfig(h.v)
	if err != nil {
		return err
	}

	if h.apply != nil {
		if err := h.apply(ctx, cfg); err != nil {
			return fmt.Errorf("apply config: %w", err)
		}
	}
	h.current = cfg

	log.Info().Msg("Configuration hot-reloaded successfully")
	return nil
}

// Current returns the last applied configuration.
func (h *HotReloadConfig) Current() *Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *HotReloadConfig) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		log.Info().Msg("Hot-reload config watcher stopped")
	})
}

// DetectorReloader returns a ReloadFunc that rebuilds the detector set and
// refreshes alert settings. Window state lives in the shared counter store,
// so it survives the swap.
func DetectorReloader(
	analyzer *ThreatAnalyzer,
	alerts *AlertGenerator,
	build func(cfg *Config) ([]ports.PatternDetector, error),
) ReloadFunc {
	return func(ctx context.Context, cfg *Config) error {
		detectors, err := build(cfg)
		if err != nil {
			return err
		}
		recs, err := LoadRecommendations(cfg.Alerts.RecommendationsFile)
		if err != nil {
			return err
		}

		analyzer.SetDetectors(detectors)
		alerts.SetCooldown(cfg.Alerts.Cooldown)
		alerts.SetRecommendations(recs)

		log.Info().Int("detector_count", len(detectors)).Msg("Detectors swapped")
		return nil
	}
}
