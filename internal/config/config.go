// Package config loads the application configuration from YAML files
// and TRC_-prefixed environment variables, with sane defaults for every
// section.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/threshold-rollout-controller/trc/internal/analysis"
	"github.com/threshold-rollout-controller/trc/internal/change"
	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/experiment"
	"github.com/threshold-rollout-controller/trc/internal/monitor"
)

// Config holds the application configuration.
type Config struct {
	Database   DatabaseConfig     `mapstructure:"database"`
	EventBus   eventbus.Config    `mapstructure:"eventbus"`
	Telemetry  TelemetryConfig    `mapstructure:"telemetry"`
	Logging    LoggingConfig      `mapstructure:"logging"`
	Analysis   analysis.Config    `mapstructure:"analysis"`
	Experiment *experiment.Config `mapstructure:"experiment"`
	Monitoring *monitor.Config    `mapstructure:"monitoring"`
	Change     *change.Config     `mapstructure:"change"`
	Scheduler  SchedulerConfig    `mapstructure:"scheduler"`
}

// DatabaseConfig holds YDB configuration. An empty connection string
// selects the in-memory repository.
type DatabaseConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

// TelemetryConfig holds telemetry configuration.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	ErrorPath  string `mapstructure:"error_path"`
}

// SchedulerConfig holds the background task scheduler configuration.
type SchedulerConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// Load loads configuration from the default search paths and
// environment variables.
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/trc")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("TRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{
		Experiment: experiment.DefaultConfig(),
		Monitoring: monitor.DefaultConfig(),
		Change:     change.DefaultConfig(),
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATS == nil {
		cfg.EventBus.NATS = eventbus.DefaultNATSConfig()
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Sections whose structs
// come with their own DefaultConfig are pre-filled before unmarshal, so
// only scalar sections are defaulted here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.connection_string", "")

	v.SetDefault("eventbus.type", "memory")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9091)
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.service_name", "threshold-rollout-controller")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.error_path", "stderr")

	v.SetDefault("analysis.window_days", 30)
	v.SetDefault("analysis.minimum_sample_size", 100)
	v.SetDefault("analysis.rolling_window", 20)
	v.SetDefault("analysis.anomaly_sigma", 3.0)

	v.SetDefault("scheduler.max_concurrent", 16)
}
