// Package main provides the clickstream loader service.
//
// The loader consumes e-commerce clickstream events from Kafka, batches
// them, upserts the batch into PostgreSQL inside one transaction, and only
// then commits the consumer offsets. Offsets therefore never move past data
// that is not durably in the warehouse.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clickstream-io/loader/internal/config"
	"github.com/clickstream-io/loader/internal/ingestion"
	"github.com/clickstream-io/loader/internal/storage"
	"github.com/clickstream-io/loader/internal/stream"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "loader"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:     name,
		Short:   "Kafka to PostgreSQL clickstream batch loader",
		Long:    "Consumes clickstream events from Kafka and loads them into PostgreSQL in idempotent, transactional batches.",
		Version: version,
	}

	consumeCmd = &cobra.Command{
		Use:   "consume",
		Short: "Run the ingestion loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			return runConsume(cfg)
		},
	}

	printConfigCmd = &cobra.Command{
		Use:   "print-config",
		Short: "Show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Println(cfg.String())

			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("kafka-host", "", "Kafka broker host")
	rootCmd.PersistentFlags().Int("kafka-port", 0, "Kafka broker port")
	rootCmd.PersistentFlags().String("topic", "", "Kafka topic to consume")
	rootCmd.PersistentFlags().String("group-id", "", "Kafka consumer group id")
	rootCmd.PersistentFlags().Int("batch-size", 0, "records per batch")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(printConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfig loads the config file and applies flag overrides. A flag only
// overrides when it was set on the command line, so file values survive
// unset flags.
func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("kafka-host") {
		cfg.Kafka.Host, _ = flags.GetString("kafka-host")
	}

	if flags.Changed("kafka-port") {
		cfg.Kafka.Port, _ = flags.GetInt("kafka-port")
	}

	if flags.Changed("topic") {
		cfg.Kafka.Topic, _ = flags.GetString("topic")
	}

	if flags.Changed("group-id") {
		cfg.Kafka.GroupID, _ = flags.GetString("group-id")
	}

	if flags.Changed("batch-size") {
		cfg.Consumer.BatchSize, _ = flags.GetInt("batch-size")
	}

	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// runConsume wires the consumer, the store and the ingestion loop, then runs
// until SIGINT/SIGTERM.
func runConsume(cfg *Config) error {
	logLevel := config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("Starting clickstream loader",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.NewConfig(cfg.DatabaseURL())

	logger.Info("Loaded configuration",
		slog.String("brokers", cfg.BrokerAddr()),
		slog.String("topic", cfg.Kafka.Topic),
		slog.String("group_id", cfg.Kafka.GroupID),
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("batch_size", cfg.Consumer.BatchSize),
		slog.Duration("batch_timeout", cfg.Consumer.BatchTimeout.Std()),
		slog.String("log_level", logLevel.String()),
	)

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))

		return fmt.Errorf("database connection: %w", err)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	store, err := storage.NewClickstreamStore(dbConn)
	if err != nil {
		logger.Error("Failed to create clickstream store", slog.String("error", err.Error()))

		return fmt.Errorf("clickstream store: %w", err)
	}

	consumer, err := stream.NewConsumer(stream.Config{
		Brokers:     []string{cfg.BrokerAddr()},
		Topic:       cfg.Kafka.Topic,
		GroupID:     cfg.Kafka.GroupID,
		ReadTimeout: cfg.Consumer.ReadTimeout.Std(),
		MaxRecords:  cfg.Consumer.BatchSize,
	})
	if err != nil {
		logger.Error("Failed to create consumer", slog.String("error", err.Error()))

		return fmt.Errorf("kafka consumer: %w", err)
	}

	defer func() {
		_ = consumer.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fail fast before entering the loop: a broker or database that is down
	// at startup is an operator problem, not something to retry forever.
	if err := consumer.HealthCheck(ctx); err != nil {
		logger.Error("Kafka health check failed", slog.String("error", err.Error()))

		return fmt.Errorf("kafka health check: %w", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		logger.Error("Database health check failed", slog.String("error", err.Error()))

		return fmt.Errorf("database health check: %w", err)
	}

	loop := ingestion.NewLoop(ingestion.LoopConfig{
		BatchSize:           cfg.Consumer.BatchSize,
		BatchTimeout:        cfg.Consumer.BatchTimeout.Std(),
		Backoff:             cfg.Consumer.Backoff.Std(),
		DrainTimeout:        cfg.Consumer.DrainTimeout.Std(),
		MaxBatchesPerSecond: cfg.Consumer.MaxBatchesPerSecond,
	}, consumer, store, logger)

	if err := loop.Run(ctx); err != nil {
		logger.Error("Ingestion loop failed", slog.String("error", err.Error()))

		return fmt.Errorf("ingestion loop: %w", err)
	}

	logger.Info("Clickstream loader stopped")

	return nil
}
