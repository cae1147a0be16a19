package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path when -config is not given.
const ConfigPathEnvVar = "TRACKING_CONFIG"

// EnvPrefix is stripped from environment variables before they are mapped to config keys.
const EnvPrefix = "TRACKING_"

// DefaultConfigPaths are searched in order when no explicit path is set.
var DefaultConfigPaths = []string{
	"tracking-service.yaml",
	"/etc/tracking-service/config.yaml",
}

type Config struct {
	Redis    RedisConfig    `koanf:"redis"`
	GPSD     GPSDConfig     `koanf:"gpsd"`
	Upload   UploadConfig   `koanf:"upload"`
	WakeLock WakeLockConfig `koanf:"wakelock"`
	Activity ActivityConfig `koanf:"activity"`
	Platform PlatformConfig `koanf:"platform"`
	Tracking TrackingConfig `koanf:"tracking"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type GPSDConfig struct {
	Server       string        `koanf:"server"`
	FixTimeout   time.Duration `koanf:"fix_timeout"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

type UploadConfig struct {
	Endpoint string        `koanf:"endpoint"`
	Token    string        `koanf:"token"`
	DeviceID string        `koanf:"device_id"`
	Timeout  time.Duration `koanf:"timeout"`
}

type WakeLockConfig struct {
	// Backend is one of "logind", "sysfs" or "none".
	Backend string        `koanf:"backend"`
	Name    string        `koanf:"name"`
	Timeout time.Duration `koanf:"timeout"`
	Renew   time.Duration `koanf:"renew"`
}

type ActivityConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Chip     string        `koanf:"chip"`
	Line     int           `koanf:"line"`
	Debounce time.Duration `koanf:"debounce"`
}

type PlatformConfig struct {
	// ModemManager enables the D-Bus location-services check. When false the
	// device is assumed to always have location services on.
	ModemManager bool `koanf:"modemmanager"`
}

// TrackingConfig holds the scheduler thresholds and windows.
type TrackingConfig struct {
	LiveWindow            time.Duration `koanf:"live_window"`
	IdleTimeout           time.Duration `koanf:"idle_timeout"`
	IdleInterval          time.Duration `koanf:"idle_interval"`
	ReconcileInterval     time.Duration `koanf:"reconcile_interval"`
	MoveDistanceThreshold float64       `koanf:"move_distance_threshold"`
	SpeedThreshold        float64       `koanf:"speed_threshold"`
	LiveSampleInterval    time.Duration `koanf:"live_sample_interval"`
	MovingMinDistance     float64       `koanf:"moving_min_distance"`
	IdleMinDistance       float64       `koanf:"idle_min_distance"`
	LiveFailureLimit      int           `koanf:"live_failure_limit"`
	AuthBlock             time.Duration `koanf:"auth_block"`
	BackoffBase           time.Duration `koanf:"backoff_base"`
	BackoffMax            time.Duration `koanf:"backoff_max"`
}

type MetricsConfig struct {
	Listen string `koanf:"listen"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{URL: "redis://127.0.0.1:6379"},
		GPSD: GPSDConfig{
			Server:       "localhost:2947",
			FixTimeout:   30 * time.Second,
			RetryBackoff: 10 * time.Second,
		},
		Upload: UploadConfig{
			Timeout: 15 * time.Second,
		},
		WakeLock: WakeLockConfig{
			Backend: "logind",
			Name:    "tracking-service",
			Timeout: 120 * time.Second,
			Renew:   90 * time.Second,
		},
		Activity: ActivityConfig{
			Chip:     "gpiochip0",
			Line:     0,
			Debounce: 200 * time.Millisecond,
		},
		Platform: PlatformConfig{ModemManager: true},
		Tracking: TrackingConfig{
			LiveWindow:            5 * time.Minute,
			IdleTimeout:           5 * time.Minute,
			IdleInterval:          10 * time.Minute,
			ReconcileInterval:     30 * time.Second,
			MoveDistanceThreshold: 20,
			SpeedThreshold:        1,
			LiveSampleInterval:    5 * time.Second,
			MovingMinDistance:     10,
			IdleMinDistance:       50,
			LiveFailureLimit:      3,
			AuthBlock:             30 * time.Minute,
			BackoffBase:           30 * time.Second,
			BackoffMax:            15 * time.Minute,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9105"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load layers defaults, an optional YAML file and TRACKING_* environment
// variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps TRACKING_UPLOAD_ENDPOINT to upload.endpoint. Only the
// first underscore separates the section so keys like idle_timeout survive.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + rest
}

func (c *Config) Validate() error {
	switch c.WakeLock.Backend {
	case "logind", "sysfs", "none":
	default:
		return fmt.Errorf("unknown wakelock backend %q", c.WakeLock.Backend)
	}
	if c.WakeLock.Renew <= 0 || c.WakeLock.Timeout <= 0 {
		return fmt.Errorf("wakelock renew and timeout must be positive")
	}
	if c.WakeLock.Renew >= c.WakeLock.Timeout {
		return fmt.Errorf("wakelock renew (%v) must be shorter than timeout (%v)", c.WakeLock.Renew, c.WakeLock.Timeout)
	}

	t := c.Tracking
	for name, d := range map[string]time.Duration{
		"live_window":          t.LiveWindow,
		"idle_timeout":         t.IdleTimeout,
		"idle_interval":        t.IdleInterval,
		"reconcile_interval":   t.ReconcileInterval,
		"live_sample_interval": t.LiveSampleInterval,
		"auth_block":           t.AuthBlock,
		"backoff_base":         t.BackoffBase,
	} {
		if d <= 0 {
			return fmt.Errorf("tracking.%s must be positive", name)
		}
	}
	if t.BackoffMax < t.BackoffBase {
		return fmt.Errorf("tracking.backoff_max must not be shorter than backoff_base")
	}
	if t.LiveFailureLimit < 1 {
		return fmt.Errorf("tracking.live_failure_limit must be at least 1")
	}
	if c.Upload.Endpoint != "" && !strings.HasPrefix(c.Upload.Endpoint, "http") {
		return fmt.Errorf("upload.endpoint must be an http(s) URL")
	}
	return nil
}
