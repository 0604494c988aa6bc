package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBatchSize    = 1000
	defaultBatchTimeout = 5 * time.Second
	defaultBackoff      = time.Second
	defaultDrainTimeout = 30 * time.Second
)

// loopState is the ingestion loop's explicit state machine. The shutdown
// drain is a first-class transition, not a special case bolted onto the
// accumulate path.
type loopState int

const (
	// stateAccumulating pulls from the source until a batch is ready.
	stateAccumulating loopState = iota

	// stateUpserting flushes the accumulator through the upsert engine.
	stateUpserting

	// stateCheckpointing advances the stream checkpoint after a commit.
	stateCheckpointing

	// stateDraining flushes the residual buffer once and stops.
	stateDraining
)

type (
	// LoopConfig carries the ingestion loop's tunables. It is passed
	// explicitly into NewLoop so the loop stays testable without
	// environment setup.
	LoopConfig struct {
		// BatchSize is the buffered-count trigger threshold.
		BatchSize int

		// BatchTimeout is the elapsed-time trigger threshold for a
		// non-empty buffer.
		BatchTimeout time.Duration

		// Backoff is the fixed pause after a failed cycle before the
		// loop resumes accumulating.
		Backoff time.Duration

		// DrainTimeout bounds the final flush during shutdown.
		DrainTimeout time.Duration

		// MaxBatchesPerSecond throttles upserts to protect the store
		// during replay storms. Zero disables the throttle.
		MaxBatchesPerSecond float64
	}

	// Loop orchestrates pull, accumulate, trigger, upsert and checkpoint
	// for one consumer instance. It is the only place where entity-upsert
	// success and checkpoint commit are sequenced together.
	//
	// Everything runs on a single logical thread of control: there is no
	// intra-instance parallel batch processing, which is what makes the
	// upsert-then-checkpoint ordering correct without any locking.
	Loop struct {
		source  Source
		store   Store
		acc     *Accumulator
		limiter *rate.Limiter
		logger  *slog.Logger

		backoff      time.Duration
		drainTimeout time.Duration

		// pending is the result of the last upsert, reported after the
		// checkpoint for its batch lands.
		pending BatchResult
	}
)

// withDefaults fills zero-valued tunables.
func (c LoopConfig) withDefaults() LoopConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}

	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}

	return c
}

// NewLoop creates an ingestion loop reading from source and writing to store.
func NewLoop(cfg LoopConfig, source Source, store Store, logger *slog.Logger) *Loop {
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.MaxBatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}

	return &Loop{
		source:       source,
		store:        store,
		acc:          NewAccumulator(cfg.BatchSize, cfg.BatchTimeout),
		limiter:      limiter,
		logger:       logger,
		backoff:      cfg.Backoff,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Run drives the loop until ctx is cancelled. On cancellation the loop
// transitions to draining: the in-flight batch finishes committing and any
// residual buffer is flushed through the full pipeline before Run returns.
//
// A failed cycle (fetch error, transaction failure, checkpoint error) is
// logged, followed by a fixed backoff pause, and the loop resumes
// accumulating; Run only returns on shutdown. A batch whose transaction
// failed is requeued and retried until it commits, so a checkpoint never
// covers records that were not durably written.
func (l *Loop) Run(ctx context.Context) error {
	state := stateAccumulating

	for {
		switch state {
		case stateAccumulating:
			state = l.accumulate(ctx)
		case stateUpserting:
			state = l.upsert(ctx)
		case stateCheckpointing:
			state = l.checkpoint(ctx)
		case stateDraining:
			return l.drain(ctx)
		}
	}
}

// accumulate pulls one bounded read from the source and decides whether the
// batch is ready. Shutdown is observed here, between pulls.
func (l *Loop) accumulate(ctx context.Context) loopState {
	if ctx.Err() != nil {
		return stateDraining
	}

	records, err := l.source.Fetch(ctx)

	// Records pulled before the error surfaced still count; dropping them
	// here would lose them until redelivery.
	l.acc.Append(records...)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return stateDraining
		}

		l.logger.Error("fetch failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("backoff", l.backoff))
		l.pause(ctx)

		return stateAccumulating
	}

	if l.acc.Ready() {
		return stateUpserting
	}

	return stateAccumulating
}

// upsert flushes the accumulator through parse and the upsert engine.
// It runs detached from loop cancellation so a shutdown signal cannot
// abandon an in-flight transaction.
func (l *Loop) upsert(ctx context.Context) loopState {
	opCtx := context.WithoutCancel(ctx)

	if l.limiter != nil {
		if err := l.limiter.Wait(opCtx); err != nil {
			l.logger.Error("throttle wait failed", slog.String("error", err.Error()))
		}
	}

	records := l.acc.Flush()

	result, err := l.processBatch(opCtx, records)
	if err != nil {
		// The flushed records go back to the front of the buffer and the
		// batch retries until it commits. Offsets for a fetched message
		// are cumulative, so a later checkpoint would silently cover the
		// failed batch; nothing may be committed until these rows are
		// durably written.
		l.acc.Requeue(records)

		l.logger.Error("batch failed, requeued for retry",
			slog.Int("failed", result.Failed),
			slog.Int("parse_failures", result.ParseFailures),
			slog.String("error", err.Error()),
			slog.Duration("backoff", l.backoff))
		l.pause(ctx)

		if ctx.Err() != nil {
			return stateDraining
		}

		return stateAccumulating
	}

	l.pending = result

	return stateCheckpointing
}

// checkpoint advances the stream position for the batch the upsert engine
// just committed, then reports the batch outcome.
func (l *Loop) checkpoint(ctx context.Context) loopState {
	if err := l.source.Commit(context.WithoutCancel(ctx)); err != nil {
		l.logger.Error("checkpoint commit failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("backoff", l.backoff))
		l.pause(ctx)

		return stateAccumulating
	}

	l.logger.Info("batch committed",
		slog.Int("written", l.pending.Written),
		slog.Int("parse_failures", l.pending.ParseFailures))

	return stateAccumulating
}

// drain flushes the residual buffer through the full pipeline before the
// process exits. No buffered message is silently dropped.
func (l *Loop) drain(ctx context.Context) error {
	if l.acc.Len() == 0 {
		l.logger.Info("ingestion loop stopped", slog.Int("residual", 0))

		return nil
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.drainTimeout)
	defer cancel()

	residual := l.acc.Len()

	result, err := l.processBatch(drainCtx, l.acc.Flush())
	if err != nil {
		l.logger.Error("drain batch failed, checkpoint unchanged",
			slog.Int("residual", residual),
			slog.String("error", err.Error()))

		return err
	}

	if err := l.source.Commit(drainCtx); err != nil {
		l.logger.Error("drain checkpoint commit failed", slog.String("error", err.Error()))

		return fmt.Errorf("drain checkpoint: %w", err)
	}

	l.logger.Info("ingestion loop stopped",
		slog.Int("residual", residual),
		slog.Int("written", result.Written),
		slog.Int("parse_failures", result.ParseFailures))

	return nil
}

// processBatch parses a flushed batch and pushes the typed rows through the
// upsert engine. Parse failures reduce the batch but never fail it; a batch
// with no well-formed rows succeeds vacuously so its checkpoint can advance.
func (l *Loop) processBatch(ctx context.Context, records [][]byte) (BatchResult, error) {
	rows, parseFailures := ParseRecords(l.logger, records)

	if parseFailures > 0 {
		l.logger.Warn("batch parsed with failures",
			slog.Int("rows", len(rows)),
			slog.Int("parse_failures", parseFailures))
	}

	if len(rows) == 0 {
		return BatchResult{ParseFailures: parseFailures}, nil
	}

	if err := l.store.UpsertBatch(ctx, rows); err != nil {
		return BatchResult{Failed: len(rows), ParseFailures: parseFailures},
			fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	return BatchResult{Written: len(rows), ParseFailures: parseFailures}, nil
}

// pause sleeps for the backoff interval, returning early on shutdown.
func (l *Loop) pause(ctx context.Context) {
	timer := time.NewTimer(l.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
