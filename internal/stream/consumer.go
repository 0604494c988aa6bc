package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/segmentio/kafka-go"

	"github.com/clickstream-io/loader/internal/config"
	"github.com/clickstream-io/loader/internal/ingestion"
)

// Consumer implements ingestion.Source (checkpointed message pulls).
var _ ingestion.Source = (*Consumer)(nil)

// Consumer wraps a kafka-go consumer-group reader with manual offset
// commits. Messages returned by Fetch stay pending until Commit, which the
// ingestion loop calls only after the batch covering them was durably
// committed to the store. A crash between fetch and commit therefore causes
// redelivery, never loss.
//
// Not safe for concurrent use; the ingestion loop is single-threaded.
type Consumer struct {
	reader      *kafka.Reader
	cfg         Config
	pending     []kafka.Message
	logger      *slog.Logger
	closeReader func() error
}

// NewConsumer creates a consumer-group reader for the configured topic.
// New groups start from the earliest offset so a fresh loader backfills the
// whole retained stream.
func NewConsumer(cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader: reader,
		cfg:    cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		closeReader: reader.Close,
	}, nil
}

// HealthCheck dials the first broker to verify the cluster is reachable.
// Used at startup, where an unreachable queue is fatal: without it no
// useful work is possible.
func (c *Consumer) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker %s: %w", c.cfg.Brokers[0], err)
	}

	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.ReadPartitions(c.cfg.Topic); err != nil {
		return fmt.Errorf("failed to read partitions for topic %s: %w", c.cfg.Topic, err)
	}

	return nil
}

// Fetch implements ingestion.Source.
//
// It pulls up to MaxRecords messages within the read timeout. An expired
// timeout returns whatever arrived (possibly nothing) without error; only
// caller cancellation and transport failures are errors. Payloads already
// pulled are returned alongside the error so the caller never loses them.
func (c *Consumer) Fetch(ctx context.Context) ([][]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	var payloads [][]byte

	for len(payloads) < c.cfg.MaxRecords {
		msg, err := c.reader.FetchMessage(fetchCtx)
		if err != nil {
			// The bounded wait elapsing is the normal idle case.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return payloads, nil
			}

			if errors.Is(err, context.Canceled) {
				return payloads, context.Canceled
			}

			return payloads, fmt.Errorf("failed to fetch message: %w", err)
		}

		c.pending = append(c.pending, msg)
		payloads = append(payloads, msg.Value)
	}

	return payloads, nil
}

// Commit implements ingestion.Source.
//
// It advances the consumer group's offsets past every pending message. The
// pending set is kept on commit failure so the next successful commit still
// covers those offsets.
func (c *Consumer) Commit(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}

	c.logger.Debug("checkpoint advanced", slog.Int("messages", len(c.pending)))
	c.pending = nil

	return nil
}

// Close shuts the underlying reader down.
func (c *Consumer) Close() error {
	if c.closeReader != nil {
		return c.closeReader()
	}

	return nil
}
