package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default generation parameters applied at admission when absent.
const (
	DefaultWidth     = 832
	DefaultHeight    = 1216
	DefaultSteps     = 15
	DefaultCFGScale  = 7.0
	DefaultModelName = "cyberrealistic_pony_v110"
)

// StoreConfig holds persistence connection parameters
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Config is the full orchestrator configuration, loaded once at startup
// from a JSON file with environment overrides.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	DeviceList          []int         `mapstructure:"device_list"`
	AutoStartWorkers    bool          `mapstructure:"auto_start_workers"`
	ParallelWorkerSpawn bool          `mapstructure:"parallel_worker_spawn"`
	WorkerSpawnDelay    time.Duration `mapstructure:"worker_spawn_delay"`
	AutoRestartWorkers  bool          `mapstructure:"auto_restart_workers"`

	WorkerTimeout     time.Duration `mapstructure:"worker_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MessageTimeout    time.Duration `mapstructure:"message_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`

	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`

	ModelDir  string `mapstructure:"model_dir"`
	OutputDir string `mapstructure:"output_dir"`

	QueueCapacity        int           `mapstructure:"queue_capacity"`
	CleanupIntervalTicks int           `mapstructure:"cleanup_interval_ticks"`
	RetentionDays        int           `mapstructure:"retention_days"`
	CompletedTaskMaxAge  time.Duration `mapstructure:"completed_task_max_age"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	Store StoreConfig `mapstructure:"store"`
}

// APIAddr returns the host:port the API server binds to
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("device_list", []int{0})
	v.SetDefault("auto_start_workers", true)
	v.SetDefault("parallel_worker_spawn", false)
	v.SetDefault("worker_spawn_delay", "2s")
	v.SetDefault("auto_restart_workers", true)
	v.SetDefault("worker_timeout", "60s")
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("message_timeout", "5s")
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("task_timeout", "600s")
	v.SetDefault("scheduler_interval", "100ms")
	v.SetDefault("model_dir", "./models")
	v.SetDefault("output_dir", "./outputs")
	v.SetDefault("queue_capacity", 1024)
	v.SetDefault("cleanup_interval_ticks", 600)
	v.SetDefault("retention_days", 7)
	v.SetDefault("completed_task_max_age", "1h")
	v.SetDefault("shutdown_grace", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "kiln.db")
}

// Load reads configuration from the given JSON file, if present, then
// applies KILN_-prefixed environment overrides on top of the defaults.
// A missing file is not an error; everything has a default.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("json")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

// Validate rejects configurations the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.DeviceList) == 0 {
		return fmt.Errorf("device_list must name at least one device")
	}
	seen := make(map[int]bool)
	for _, d := range c.DeviceList {
		if d < 0 {
			return fmt.Errorf("invalid device id %d", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate device id %d", d)
		}
		seen[d] = true
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive")
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	return nil
}
