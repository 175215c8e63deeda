package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration, loaded once at startup
// and validated before anything else runs.
type Config struct {
	DataDir string `yaml:"data_dir" validate:"required"`
	KeyFile string `yaml:"key_file" validate:"required"`

	Listen    string `yaml:"listen" validate:"required,hostname_port"`
	AuthToken string `yaml:"auth_token" validate:"required,min=16"`

	CacheURL string `yaml:"cache_url"`
	Resolver string `yaml:"resolver"`

	SSH     SSHConfig     `yaml:"ssh"`
	Engine  EngineConfig  `yaml:"engine"`
	Monitor MonitorConfig `yaml:"monitor"`
	Proxy   ProxyConfig   `yaml:"proxy"`

	PlacementPortMin int `yaml:"placement_port_min" validate:"gt=0,ltefield=PlacementPortMax"`
	PlacementPortMax int `yaml:"placement_port_max" validate:"lte=65535"`
}

// SSHConfig bounds every remote interaction.
type SSHConfig struct {
	DefaultPort    int           `yaml:"default_port" validate:"gt=0,lte=65535"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
	InstallTimeout time.Duration `yaml:"install_timeout" validate:"gt=0"`
}

// EngineConfig tunes the deployment engine.
type EngineConfig struct {
	Workers          int           `yaml:"workers" validate:"gt=0"`
	OrphanThreshold  time.Duration `yaml:"orphan_threshold" validate:"gt=0"`
	MigrationTimeout time.Duration `yaml:"migration_timeout" validate:"gt=0"`
	LogCapBytes      int           `yaml:"log_cap_bytes" validate:"gt=0"`
	MinTargetScore   int           `yaml:"min_target_score" validate:"gte=0,lte=100"`
}

// MonitorConfig tunes the three monitor timers, alerting, and the
// per-metric alert thresholds.
type MonitorConfig struct {
	HealthInterval     time.Duration `yaml:"health_interval" validate:"gt=0"`
	MetricsInterval    time.Duration `yaml:"metrics_interval" validate:"gt=0"`
	AlertSweepInterval time.Duration `yaml:"alert_sweep_interval" validate:"gt=0"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	AutoResolveMinAge  time.Duration `yaml:"auto_resolve_min_age" validate:"gt=0"`

	CPU    ThresholdBand `yaml:"cpu"`
	Memory ThresholdBand `yaml:"memory"`
	Disk   ThresholdBand `yaml:"disk"`
}

// ThresholdBand is a warning/critical pair in percent. Crossing Warning
// raises a warning alert; crossing Critical escalates it.
type ThresholdBand struct {
	Warning  float64 `yaml:"warning" validate:"gt=0,lte=100,ltefield=Critical"`
	Critical float64 `yaml:"critical" validate:"gt=0,lte=100"`
}

// ProxyConfig locates the reverse-proxy host surfaces.
type ProxyConfig struct {
	ConfDir       string        `yaml:"conf_dir" validate:"required"`
	ReloadTimeout time.Duration `yaml:"reload_timeout" validate:"gt=0"`
	DrainWindow   time.Duration `yaml:"drain_window" validate:"gt=0"`
}

// Default returns the configuration defaults; Load layers the YAML file
// and environment on top of it.
func Default() *Config {
	return &Config{
		DataDir:          "/var/lib/flotilla",
		KeyFile:          "/var/lib/flotilla/master.key",
		Listen:           "127.0.0.1:8080",
		Resolver:         "1.1.1.1:53",
		PlacementPortMin: 8069,
		PlacementPortMax: 8169,
		SSH: SSHConfig{
			DefaultPort:    22,
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 5 * time.Minute,
			InstallTimeout: 10 * time.Minute,
		},
		Engine: EngineConfig{
			Workers:          8,
			OrphanThreshold:  30 * time.Minute,
			MigrationTimeout: 30 * time.Minute,
			LogCapBytes:      256 * 1024,
			MinTargetScore:   80,
		},
		Monitor: MonitorConfig{
			HealthInterval:     5 * time.Minute,
			MetricsInterval:    time.Minute,
			AlertSweepInterval: 2 * time.Minute,
			ProbeTimeout:       5 * time.Second,
			AutoResolveMinAge:  10 * time.Minute,
			CPU:                ThresholdBand{Warning: 90, Critical: 95},
			Memory:             ThresholdBand{Warning: 90, Critical: 95},
			Disk:               ThresholdBand{Warning: 85, Critical: 95},
		},
		Proxy: ProxyConfig{
			ConfDir:       "/etc/nginx/conf.d",
			ReloadTimeout: 30 * time.Second,
			DrainWindow:   time.Minute,
		},
	}
}

// Load reads the optional YAML file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv layers FLOTILLA_* environment variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOTILLA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLOTILLA_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("FLOTILLA_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLOTILLA_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("FLOTILLA_CACHE_URL"); v != "" {
		cfg.CacheURL = v
	}
	if v := os.Getenv("FLOTILLA_SSH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SSH.DefaultPort = port
		}
	}
	if v := os.Getenv("FLOTILLA_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SSH.CommandTimeout = d
		}
	}
	if v := os.Getenv("FLOTILLA_INSTALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SSH.InstallTimeout = d
		}
	}
}
