package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Device   DeviceConfig   `mapstructure:"device"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	// Driver: "postgres" | "mysql" | "" (no DB, in-memory mode).
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type DeviceConfig struct {
	// DialTimeout bounds every device call; a device operation is never
	// allowed to block indefinitely.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// AllowPrivate permits reconciling routers on RFC1918/loopback
	// addresses. Off by default: a cloud-hosted reconciler cannot reach
	// them and should fail fast instead of timing out.
	AllowPrivate bool `mapstructure:"allow_private"`
	// Retries/Backoff for individual resource applies during a sync run.
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

type SweepConfig struct {
	// Interval between billing sweeps (auto-suspend of overdue customers).
	Interval time.Duration `mapstructure:"interval"`
}

type MonitorConfig struct {
	// ProbeInterval between connectivity probes of known routers.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// TelemetryInterval for the read-only telemetry refresh; may be
	// shorter than ProbeInterval since it never takes the write lock.
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`
}

// Load reads nexus.yaml from the working directory or /etc/nexus,
// with NEXUS_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("nexus")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexus")

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("device.dial_timeout", 10*time.Second)
	v.SetDefault("device.retries", 3)
	v.SetDefault("device.backoff", 2*time.Second)
	v.SetDefault("sweep.interval", 15*time.Minute)
	v.SetDefault("monitor.probe_interval", 5*time.Minute)
	v.SetDefault("monitor.telemetry_interval", time.Minute)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults are enough to run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
