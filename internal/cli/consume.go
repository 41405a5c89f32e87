package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/patronage/internal/engine"
	"github.com/roach88/patronage/internal/metrics"
	"github.com/roach88/patronage/internal/transport/kafka"
)

// kafkaClient is the broker connection the consume command needs.
type kafkaClient interface {
	kafka.Fetcher
	kafka.Producer
	Close()
}

// ConsumeOptions holds flags for the consume command.
type ConsumeOptions struct {
	*RootOptions
	Brokers     []string
	Topic       string
	Group       string
	DLQTopic    string
	MetricsAddr string
	PostgresDSN string

	// Registry collects engine metrics. A fresh registry is used if nil.
	Registry *prometheus.Registry

	// NewClient overrides the Kafka client (for testing).
	NewClient func(cfg kafka.Config) (kafkaClient, error)
}

// NewConsumeCommand creates the consume command.
func NewConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConsumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Apply balance events from a Kafka topic",
		Long: `Consume balance event payloads from Kafka and apply them exactly once.

Offsets are committed only after the outcome of every record in a batch is
final, so a crash redelivers and the idempotency guard absorbs the
duplicates. Rejected payloads are recorded in the dead-letter table and
published to the dead-letter topic with the error in the record headers.

Unset flags fall back to PATRONAGE_KAFKA_BROKERS, PATRONAGE_KAFKA_TOPIC,
PATRONAGE_KAFKA_GROUP, PATRONAGE_DLQ_TOPIC and PATRONAGE_METRICS_ADDR.

Example:
  patronage consume --db ./ledger.db --brokers localhost:9092
  patronage consume --brokers k1:9092,k2:9092 --metrics-addr :9100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Brokers, "brokers", nil, "Kafka seed brokers")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "balance event topic")
	cmd.Flags().StringVar(&opts.Group, "group", "", "consumer group")
	cmd.Flags().StringVar(&opts.DLQTopic, "dlq-topic", "", "dead-letter topic")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	cmd.Flags().StringVar(&opts.PostgresDSN, "postgres-dsn", "", "append to PostgreSQL instead of SQLite (default $PATRONAGE_POSTGRES_DSN)")

	return cmd
}

// applyEnv fills unset flags from the environment.
func (o *ConsumeOptions) applyEnv() {
	if len(o.Brokers) == 0 {
		o.Brokers = o.env.Brokers
	}
	if o.Topic == "" {
		o.Topic = o.env.Topic
	}
	if o.Group == "" {
		o.Group = o.env.Group
	}
	if o.DLQTopic == "" {
		o.DLQTopic = o.env.DLQTopic
	}
	if o.MetricsAddr == "" {
		o.MetricsAddr = o.env.MetricsAddr
	}
}

func runConsume(opts *ConsumeOptions, cmd *cobra.Command) error {
	if err := opts.resolve(); err != nil {
		return err
	}
	opts.applyEnv()
	log := opts.Logger()

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	newClient := opts.NewClient
	if newClient == nil {
		newClient = func(cfg kafka.Config) (kafkaClient, error) { return kafka.NewClient(cfg) }
	}
	client, err := newClient(kafka.Config{Brokers: opts.Brokers, Topic: opts.Topic, Group: opts.Group})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create kafka client", err)
	}
	defer client.Close()

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	evlog, err := opts.openEventLog(ctx, opts.PostgresDSN, engine.WithObserver(m))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := evlog.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	consumer := kafka.NewConsumer(client, evlog.engine.Queued(), client, opts.DLQTopic, log)

	log.Info("consumer starting", "backend", evlog.name, "topic", opts.Topic, "group", opts.Group)
	fmt.Fprintf(cmd.OutOrStdout(), "Consuming %s as %s. Press Ctrl-C to stop.\n", opts.Topic, opts.Group)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return evlog.engine.Run(gctx)
	})
	g.Go(func() error {
		// The engine and the metrics server stop with the consumer.
		defer cancel()
		defer evlog.engine.Stop()
		return consumer.Run(gctx)
	})
	if opts.MetricsAddr != "" {
		g.Go(func() error {
			log.Info("serving metrics", "addr", opts.MetricsAddr)
			return metrics.Serve(gctx, opts.MetricsAddr, reg)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "consumer error", err)
	}

	log.Info("consumer stopped gracefully")
	return nil
}
