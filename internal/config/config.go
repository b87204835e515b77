package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/lobbymq/internal/rabbitmq"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOBBYMQ_QUEUE_URL
const EnvPrefix = "LOBBYMQ"

// QueueConfig holds the broker connection target. URL and the discrete fields
// are alternative forms; the discrete form wins when hostname, username and
// password are all set.
type QueueConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Hostname       string        `mapstructure:"hostname" yaml:"hostname"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Vhost          string        `mapstructure:"vhost" yaml:"vhost"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// ConsumerConfig holds subscription defaults
type ConsumerConfig struct {
	MaxConcurrency      int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
}

// PublisherConfig holds publish settings
type PublisherConfig struct {
	Confirms       bool          `mapstructure:"confirms" yaml:"confirms"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	Persistent     bool          `mapstructure:"persistent" yaml:"persistent"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
}

// Config is the complete client configuration
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Consumer  ConsumerConfig  `mapstructure:"consumer" yaml:"consumer"`
	Publisher PublisherConfig `mapstructure:"publisher" yaml:"publisher"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			URL:            rabbitmq.DefaultURL,
			Port:           rabbitmq.DefaultPort,
			Vhost:          "/",
			ConnectTimeout: 30 * time.Second,
		},
		Consumer: ConsumerConfig{
			MaxConcurrency:      0,
			HealthCheckInterval: 5 * time.Second,
		},
		Publisher: PublisherConfig{
			Confirms:       false,
			ConfirmTimeout: 5 * time.Second,
			Persistent:     false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "lobbymq",
			Addr:      ":9090",
		},
	}
}

// Load reads configuration from configPath, or from lobbymq.yaml in the usual
// places when configPath is empty, then applies LOBBYMQ_* environment
// overrides. A missing default config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	config := Default()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lobbymq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lobbymq")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that no
// config file mentions
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("queue.url", c.Queue.URL)
	v.SetDefault("queue.hostname", c.Queue.Hostname)
	v.SetDefault("queue.port", c.Queue.Port)
	v.SetDefault("queue.username", c.Queue.Username)
	v.SetDefault("queue.password", c.Queue.Password)
	v.SetDefault("queue.vhost", c.Queue.Vhost)
	v.SetDefault("queue.connect_timeout", c.Queue.ConnectTimeout)

	v.SetDefault("consumer.max_concurrency", c.Consumer.MaxConcurrency)
	v.SetDefault("consumer.health_check_interval", c.Consumer.HealthCheckInterval)

	v.SetDefault("publisher.confirms", c.Publisher.Confirms)
	v.SetDefault("publisher.confirm_timeout", c.Publisher.ConfirmTimeout)
	v.SetDefault("publisher.persistent", c.Publisher.Persistent)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.namespace", c.Metrics.Namespace)
	v.SetDefault("metrics.addr", c.Metrics.Addr)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Queue.URL == "" && c.Queue.Hostname == "" {
		return fmt.Errorf("%w: queue.url or queue.hostname is required", rabbitmq.ErrInvalidConfiguration)
	}
	if c.Queue.Port < 0 || c.Queue.Port > 65535 {
		return fmt.Errorf("%w: queue.port %d out of range", rabbitmq.ErrInvalidConfiguration, c.Queue.Port)
	}
	if c.Queue.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: queue.connect_timeout must be positive", rabbitmq.ErrInvalidConfiguration)
	}

	if c.Consumer.MaxConcurrency < 0 {
		return fmt.Errorf("%w: consumer.max_concurrency must not be negative", rabbitmq.ErrInvalidConfiguration)
	}
	if c.Consumer.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: consumer.health_check_interval must be positive", rabbitmq.ErrInvalidConfiguration)
	}

	if c.Publisher.Confirms && c.Publisher.ConfirmTimeout <= 0 {
		return fmt.Errorf("%w: publisher.confirm_timeout must be positive when confirms are enabled", rabbitmq.ErrInvalidConfiguration)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log.level %q", rabbitmq.ErrInvalidConfiguration, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log.format %q", rabbitmq.ErrInvalidConfiguration, c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", rabbitmq.ErrInvalidConfiguration)
	}

	return nil
}

// ConnectionOptions converts the queue section for the connection manager
func (c *Config) ConnectionOptions() rabbitmq.ConnectionOptions {
	return rabbitmq.ConnectionOptions{
		URL:      c.Queue.URL,
		Hostname: c.Queue.Hostname,
		Port:     c.Queue.Port,
		Username: c.Queue.Username,
		Password: c.Queue.Password,
		Vhost:    c.Queue.Vhost,
	}
}
