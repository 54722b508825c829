package config

import (
	"fmt"
	"runtime"

	"github.com/pbnjay/memory"
	"github.com/spf13/viper"

	"github.com/hayashikawa/renderpool/internal/api"
	"github.com/hayashikawa/renderpool/internal/browser"
	"github.com/hayashikawa/renderpool/internal/capability"
	"github.com/hayashikawa/renderpool/internal/launch"
	"github.com/hayashikawa/renderpool/internal/monitor"
	"github.com/hayashikawa/renderpool/internal/pool"
	"github.com/hayashikawa/renderpool/internal/store"
	"github.com/hayashikawa/renderpool/internal/telemetry"
)

// Config is the full application configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Browser    browser.ExecLauncherConfig `mapstructure:"browser"`
	Capability capability.Config          `mapstructure:"capability"`
	Controller monitor.Config             `mapstructure:"controller"`
	Pool       pool.Config                `mapstructure:"pool"`
	API        api.Config                 `mapstructure:"api"`
	Telemetry  telemetry.Config           `mapstructure:"telemetry"`
	Store      store.Config               `mapstructure:"store"`

	Services []pool.ServiceSpec `mapstructure:"services"`
}

// Load reads the configuration file, applies defaults and environment
// overrides (RENDERPOOL_ prefix) and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("RENDERPOOL")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDerivedDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration with one scraping service,
// used by `renderpool init` and as the no-file fallback.
func Default() *Config {
	cfg := &Config{
		LogLevel:   "info",
		LogFormat:  "console",
		Browser:    browser.ExecLauncherConfig{BinaryPath: "chromium"},
		Capability: capability.DefaultConfig(),
		Controller: monitor.DefaultConfig(),
		Pool:       pool.DefaultConfig(),
		API:        api.DefaultConfig(),
		Telemetry:  telemetry.DefaultConfig(),
		Store:      store.DefaultConfig(),
		Services: []pool.ServiceSpec{
			{Name: "default", TaskClass: launch.TaskScraping, Min: 1, Max: 8, Initial: 2},
		},
	}
	applyDerivedDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("browser.binary_path", "chromium")
	v.SetDefault("browser.startup_timeout", "30s")

	v.SetDefault("capability.ttl", "30m")
	v.SetDefault("capability.failure_ttl", "5m")
	v.SetDefault("capability.verify_timeout", "45s")
	v.SetDefault("capability.force_software", false)

	v.SetDefault("controller.window_size", 256)
	v.SetDefault("controller.target_latency", "2s")
	v.SetDefault("controller.latency_weight", 0.5)
	v.SetDefault("controller.error_weight", 0.5)
	v.SetDefault("controller.upper_threshold", 0.8)
	v.SetDefault("controller.lower_threshold", 0.4)
	v.SetDefault("controller.error_ceiling", 0.2)
	v.SetDefault("controller.adjustment_interval", "15s")
	v.SetDefault("controller.learning_rate_baseline", 0.3)
	v.SetDefault("controller.learning_rate_floor", 0.05)
	v.SetDefault("controller.learning_rate_ceiling", 0.5)
	v.SetDefault("controller.stable_cycles_for_recovery", 3)

	v.SetDefault("pool.reconcile_interval", "5s")
	v.SetDefault("pool.launch_timeout", "30s")
	v.SetDefault("pool.drain_grace", "20s")
	v.SetDefault("pool.max_worker_ops", 500)
	v.SetDefault("pool.max_worker_lifetime", "1h")
	v.SetDefault("pool.max_worker_rss_mb", 2048)
	v.SetDefault("pool.worker_error_threshold", 5)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "127.0.0.1:8750")
	v.SetDefault("api.broadcast_interval", "5s")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.namespace", "renderpool")

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "renderpool.db")
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("store.retention", "168h")
	v.SetDefault("store.prune_interval", "1h")
}

// applyDerivedDefaults fills service bounds from the host where the operator
// left them unset. Each browser worker needs roughly half a gigabyte, so the
// ceiling follows installed memory and CPU count, whichever is tighter.
func applyDerivedDefaults(cfg *Config) {
	maxByMemory := int(memory.TotalMemory() / (512 * 1024 * 1024))
	maxByCPU := runtime.NumCPU() * 2
	derivedMax := maxByMemory
	if maxByCPU < derivedMax {
		derivedMax = maxByCPU
	}
	if derivedMax < 1 {
		derivedMax = 1
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.Min <= 0 {
			svc.Min = 1
		}
		if svc.Max <= 0 {
			svc.Max = derivedMax
		}
		if svc.Initial <= 0 {
			svc.Initial = svc.Min
		}
	}
}

// Validate checks cross-field constraints that viper cannot express.
func Validate(cfg *Config) error {
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %s", cfg.LogFormat)
	}

	if cfg.Browser.BinaryPath == "" {
		return fmt.Errorf("browser.binary_path is required")
	}

	c := cfg.Controller
	if c.WindowSize < 1 {
		return fmt.Errorf("controller.window_size must be at least 1")
	}
	if c.TargetLatency <= 0 {
		return fmt.Errorf("controller.target_latency must be positive")
	}
	if c.LatencyWeight < 0 || c.ErrorWeight < 0 {
		return fmt.Errorf("controller weights must be non-negative")
	}
	if c.LatencyWeight+c.ErrorWeight == 0 {
		return fmt.Errorf("controller weights must not both be zero")
	}
	if c.LowerThreshold >= c.UpperThreshold {
		return fmt.Errorf("controller.lower_threshold must be below upper_threshold")
	}
	if c.LearningRateFloor <= 0 || c.LearningRateFloor > c.LearningRateCeiling {
		return fmt.Errorf("controller learning rate bounds are inconsistent")
	}
	if c.LearningRateBaseline < c.LearningRateFloor || c.LearningRateBaseline > c.LearningRateCeiling {
		return fmt.Errorf("controller.learning_rate_baseline must lie within [floor, ceiling]")
	}

	if cfg.Pool.ReconcileInterval <= 0 {
		return fmt.Errorf("pool.reconcile_interval must be positive")
	}
	if cfg.Pool.LaunchTimeout <= 0 {
		return fmt.Errorf("pool.launch_timeout must be positive")
	}

	if cfg.API.Enabled && cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the API is enabled")
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	seen := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service name must not be empty")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		seen[svc.Name] = true
		if svc.TaskClass == "" {
			return fmt.Errorf("service %s: task_class is required", svc.Name)
		}
		if svc.Min < 0 || svc.Max < svc.Min {
			return fmt.Errorf("service %s: bounds require 0 <= min <= max", svc.Name)
		}
		if svc.Initial < svc.Min || svc.Initial > svc.Max {
			return fmt.Errorf("service %s: initial must lie within [min, max]", svc.Name)
		}
	}

	return nil
}
