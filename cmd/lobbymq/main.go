package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/glimte/lobbymq"
	"github.com/glimte/lobbymq/broker"
	"github.com/glimte/lobbymq/health"
	"github.com/glimte/lobbymq/internal/logging"
	"github.com/glimte/lobbymq/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	url        string
	logLevel   string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:     "lobbymq",
		Short:   "Publish, consume and inspect delayed RabbitMQ queues",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Long: `lobbymq publishes messages with an optional delay, consumes work queues
with a bounded prefetch, and pauses consumers while a downstream queue is
backed up.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (default lobbymq.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL, overrides the config")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newPublishCmd(&flags),
		newConsumeCmd(&flags),
		newInspectCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(flags *globalFlags) (*lobbymq.Config, error) {
	cfg, err := lobbymq.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.url != "" {
		cfg.Queue.URL = flags.url
		cfg.Queue.Hostname = ""
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

// connect exits the process when the broker cannot be reached; there is no retry
func connect(ctx context.Context, cfg *lobbymq.Config) *lobbymq.Client {
	logger := logging.New(cfg.Log, os.Stderr)

	client, err := lobbymq.NewClient(ctx, cfg, lobbymq.WithLogger(logger))
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	return client
}

func parsePayload(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		ttl       time.Duration
		count     int
		perSecond float64
		plain     bool
	)

	cmd := &cobra.Command{
		Use:   "publish <queue> <payload>",
		Short: "Publish a message, optionally delayed",
		Long: `Publish a JSON payload (or a plain string) to a queue. Without --plain the
message goes through the delayed protocol and reaches the work queue after --ttl.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plain && ttl > 0 {
				return errors.New("--ttl cannot be combined with --plain")
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := connect(ctx, cfg)
			defer client.Close()

			limit := rate.Inf
			if perSecond > 0 {
				limit = rate.Limit(perSecond)
			}
			limiter := rate.NewLimiter(limit, 1)

			queue, payload := args[0], parsePayload(args[1])
			for i := 0; i < count; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}

				if plain {
					err = client.Broker().SendMessage(ctx, queue, payload, nil)
				} else {
					err = client.EnqueueAfter(ctx, queue, payload, ttl)
				}
				if err != nil {
					return fmt.Errorf("failed to publish message %d: %w", i+1, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s\n", count, queue)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&ttl, "ttl", "t", 0, "Delay before the message reaches the work queue")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to publish")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "Maximum messages per second, 0 for unlimited")
	cmd.Flags().BoolVar(&plain, "plain", false, "Publish to the plain queue instead of the delayed work queue")

	return cmd
}

func newConsumeCmd(flags *globalFlags) *cobra.Command {
	var (
		delayed        bool
		maxConcurrency int
		downstream     string
		downstreamMax  int
		checkEvery     time.Duration
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume a queue and print each message",
		Long: `Consume a plain queue, or with --delayed the work queue of a delayed queue.
With --downstream the consumer pauses while that queue holds more than
--downstream-max messages and resumes once it has drained.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-concurrency") {
				cfg.Consumer.MaxConcurrency = maxConcurrency
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := connect(ctx, cfg)
			defer client.Close()

			logger := logging.New(cfg.Log, os.Stderr)
			out := cmd.OutOrStdout()

			factory := func(qi *broker.QueueInfo) broker.Handler {
				return broker.AckOnSuccess(func(ctx context.Context, d amqp.Delivery) error {
					fmt.Fprintf(out, "%s %s\n", qi.Queue.Name, d.Body)
					return nil
				})
			}

			subscribe := client.Subscribe
			if delayed {
				subscribe = client.SubscribeDelayed
			}
			qi, err := subscribe(ctx, args[0], factory)
			if err != nil {
				return err
			}

			if cfg.Metrics.Enabled {
				srv := serveMetrics(client, cfg.Metrics.Addr, logger)
				defer srv.Shutdown(context.Background())
			}

			if downstream != "" {
				checker := health.NewQueueDepthChecker(client.Broker(), downstream, downstreamMax)
				client.Health().Register(checker)
				go gateOnDownstream(ctx, client, qi, checker, checkEvery, logger)
			}

			logger.Info("consuming", "queue", qi.Queue.Name, "delayed", delayed)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&delayed, "delayed", "d", false, "Consume the work queue of a delayed queue")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Prefetch limit, overrides the config")
	cmd.Flags().StringVar(&downstream, "downstream", "", "Queue whose backlog pauses this consumer")
	cmd.Flags().IntVar(&downstreamMax, "downstream-max", 1000, "Backlog above which the consumer pauses")
	cmd.Flags().DurationVar(&checkEvery, "check-every", 5*time.Second, "How often the downstream backlog is checked while consuming")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	return cmd
}

// gateOnDownstream pauses qi whenever checker turns unhealthy; the pause
// resumes on its own once the checker recovers
func gateOnDownstream(ctx context.Context, client *lobbymq.Client, qi *broker.QueueInfo, checker health.Checker, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if qi.IsPaused() {
			continue
		}
		result := checker.Check(ctx)
		if result.Status == health.StatusHealthy {
			continue
		}

		logger.Warn("downstream unhealthy, pausing consumer", "queue", qi.Queue.Name, "reason", result.Message)
		if _, err := client.PauseUntilHealthy(ctx, qi, checker); err != nil {
			logger.Error("failed to pause consumer", "queue", qi.Queue.Name, "error", err)
		}
	}
}

func serveMetrics(client *lobbymq.Client, addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", client.Metrics().Handler())
	mux.Handle("/healthz", health.NewHandler(client.Health(), 5*time.Second))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <queue>",
		Short: "Show plain, lobby and work queue depths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client := connect(ctx, cfg)
			defer client.Close()

			name := args[0]
			names := rabbitmq.NewDelayedNames(name)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tQUEUE\tMESSAGES\tCONSUMERS")

			for _, q := range []struct{ role, name string }{
				{"plain", name},
				{"lobby", names.LobbyQueue()},
				{"work", names.WorkQueue()},
			} {
				stats, err := client.Broker().QueueDepth(ctx, q.name)
				if errors.Is(err, rabbitmq.ErrQueueNotFound) {
					fmt.Fprintf(w, "%s\t%s\t-\t-\n", q.role, q.name)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", q.role, stats.Name, stats.Messages, stats.Consumers)
			}

			return w.Flush()
		},
	}
}
