// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lobbymq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glimte/lobbymq/broker"
	"github.com/glimte/lobbymq/health"
	"github.com/glimte/lobbymq/internal/config"
	"github.com/glimte/lobbymq/internal/logging"
	"github.com/glimte/lobbymq/internal/metrics"
	"github.com/glimte/lobbymq/internal/rabbitmq"
)

// Config is the client configuration, see LoadConfig
type Config = config.Config

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads lobbymq.yaml (or path) and LOBBYMQ_* environment overrides
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Client wires a connection, a broker, metrics and health checks from one
// Config. It is the entry point for services that only need to enqueue and
// consume.
type Client struct {
	cfg     *Config
	conn    *rabbitmq.ConnectionManager
	broker  *broker.Broker
	metrics *metrics.Metrics
	health  *health.Registry
	logger  *slog.Logger
}

type clientConfig struct {
	logger  *slog.Logger
	dialer  rabbitmq.Dialer
	metrics *metrics.Metrics
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger; by default one is built from the log section
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// WithMetrics records into m even when metrics are disabled in the config
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// NewClient connects to the broker. A connection failure is returned as a
// *rabbitmq.ConnectionError and is not retried.
func NewClient(ctx context.Context, cfg *Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = logging.New(cfg.Log, os.Stderr)
	}
	if cc.metrics == nil && cfg.Metrics.Enabled {
		cc.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithConnectTimeout(cfg.Queue.ConnectTimeout),
	}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}

	conn := rabbitmq.NewConnectionManager(cfg.ConnectionOptions(), connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	brokerOpts := []broker.Option{
		broker.WithLogger(cc.logger),
		broker.WithMetrics(cc.metrics),
		broker.WithPersistentMessages(cfg.Publisher.Persistent),
	}
	if cfg.Publisher.Confirms {
		brokerOpts = append(brokerOpts, broker.WithPublisherConfirms(cfg.Publisher.ConfirmTimeout))
	}

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(conn))

	return &Client{
		cfg:     cfg,
		conn:    conn,
		broker:  broker.New(conn, brokerOpts...),
		metrics: cc.metrics,
		health:  registry,
		logger:  cc.logger,
	}, nil
}

// Broker returns the underlying broker
func (c *Client) Broker() *broker.Broker {
	return c.broker
}

// Connection returns the connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Metrics returns the collectors, nil when metrics are disabled
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Health returns the health registry; the connection checker is registered
func (c *Client) Health() *health.Registry {
	return c.health
}

// Enqueue publishes data for immediate delivery to the work queue of name.
// Failures are logged and not returned; use EnqueueAfter to observe them.
func (c *Client) Enqueue(ctx context.Context, name string, data any) {
	if err := c.broker.SendDelayedMessage(ctx, name, data, broker.DelayedOptions{}); err != nil {
		c.logger.Error("failed to enqueue message", "queue", name, "error", err)
	}
}

// EnqueueAfter publishes data so that it reaches the work queue of name after delay
func (c *Client) EnqueueAfter(ctx context.Context, name string, data any, delay time.Duration) error {
	return c.broker.SendDelayedMessage(ctx, name, data, broker.DelayedOptions{TTL: delay})
}

// Subscribe consumes the plain queue name with the configured max concurrency
func (c *Client) Subscribe(ctx context.Context, name string, factory broker.HandlerFactory) (*broker.QueueInfo, error) {
	return c.broker.Subscribe(ctx, name, c.consumerOptions(factory))
}

// SubscribeDelayed consumes the work queue of name with the configured max concurrency
func (c *Client) SubscribeDelayed(ctx context.Context, name string, factory broker.HandlerFactory) (*broker.QueueInfo, error) {
	return c.broker.SubscribeDelayed(ctx, name, c.consumerOptions(factory))
}

func (c *Client) consumerOptions(factory broker.HandlerFactory) broker.ConsumerOptions {
	return broker.ConsumerOptions{
		HandlerFactory: factory,
		MaxConcurrency: c.cfg.Consumer.MaxConcurrency,
	}
}

// PauseUntilHealthy pauses qi and resumes it once checker reports healthy,
// probing at the configured health check interval
func (c *Client) PauseUntilHealthy(ctx context.Context, qi *broker.QueueInfo, checker health.Checker) (bool, error) {
	interval := c.cfg.Consumer.HealthCheckInterval
	return c.broker.Pause(ctx, qi, broker.PauseOptions{
		HealthCheck:         health.Probe(checker, interval),
		HealthCheckInterval: interval,
		AutoResume:          true,
		OnError: func(err error) {
			c.logger.Error("health check failed, queue stays paused", "queue", qi.Queue.Name, "error", err)
		},
	})
}

// Close stops consumers, waits for running handlers and closes the connection
func (c *Client) Close() error {
	var errs []error
	if err := c.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}
