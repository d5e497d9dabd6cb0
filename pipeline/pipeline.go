// Package pipeline runs consumers against the canonical block stream. A
// Runtime drains the stream in batches, hands each batch to its Indexer,
// and commits a checkpoint only after the batch is durably processed, so
// a crash between the two replays the batch and every consumer write path
// is idempotent under replay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/errs"
	"github.com/chainscope/indexer-go/storage"
)

// Indexer is one consumer's projection logic. ProcessBatch folds a
// contiguous run of blocks into the projection and reports how many items
// (rows, edges, snapshots) it produced.
type Indexer interface {
	Name() string
	BatchSize() int
	ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error)
}

// Stream is the consumer-side view of the canonical block stream.
type Stream interface {
	MaxHeight(ctx context.Context) (uint32, error)
	Range(ctx context.Context, start, end uint32) ([]chain.Block, error)
}

// Checkpoints is the consumer-side view of checkpoint storage.
type Checkpoints interface {
	GetCheckpoint(ctx context.Context, consumer string) (uint32, error)
	SetCheckpoint(ctx context.Context, consumer string, height uint32) error
}

const (
	retryBase = 500 * time.Millisecond
	retryCap  = 30 * time.Second

	// consecutive failures before the retry log escalates to a warning
	retryWarnAfter = 3
)

// Config holds runtime configuration shared by all consumers.
type Config struct {
	// PollInterval is how long to sleep when caught up with the stream.
	PollInterval time.Duration

	// MilestoneInterval is the height multiple at which progress is logged.
	MilestoneInterval uint32
}

// Validate validates the runtime configuration.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MilestoneInterval == 0 {
		return fmt.Errorf("milestone interval must be positive")
	}
	return nil
}

// Runtime drives one Indexer against the stream.
type Runtime struct {
	indexer     Indexer
	stream      Stream
	checkpoints Checkpoints
	config      *Config
	metrics     *Metrics
	logger      *zap.Logger
}

// NewRuntime creates a runtime for one consumer.
func NewRuntime(indexer Indexer, stream Stream, checkpoints Checkpoints, config *Config, metrics *Metrics, logger *zap.Logger) (*Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		indexer:     indexer,
		stream:      stream,
		checkpoints: checkpoints,
		config:      config,
		metrics:     metrics,
		logger:      logger.With(zap.String("consumer", indexer.Name())),
	}, nil
}

// Run processes batches until the context is cancelled. It returns nil on
// cancellation and an error only on a non-retryable failure.
func (r *Runtime) Run(ctx context.Context) error {
	name := r.indexer.Name()
	batchSize := uint32(r.indexer.BatchSize())

	chk, err := r.checkpoints.GetCheckpoint(ctx, name)
	if err != nil {
		return fmt.Errorf("consumer %s: %w", name, err)
	}

	// A zero checkpoint cannot be told apart from an absent one, so height
	// 0 is replayed once per start. Every projection write is idempotent.
	next := uint32(0)
	if chk > 0 {
		next = chk + 1
	}

	r.logger.Info("consumer starting",
		zap.Uint32("checkpoint", chk),
		zap.Uint32("next_height", next),
		zap.Uint32("batch_size", batchSize))

	var (
		failures     int
		catchingUp   bool
		loggedCatch  bool
		totalBlocks  uint64
		totalItems   uint64
		batchStarted time.Time
	)
	sinceStart := time.Now()
	firstHeight := next
	milestoneAt := nextMilestone(next, r.config.MilestoneInterval)

	for {
		if err := sleepIfNeeded(ctx, 0); err != nil {
			r.logger.Info("consumer stopped")
			return nil
		}

		tip, err := r.stream.MaxHeight(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				if err := sleepIfNeeded(ctx, r.config.PollInterval); err != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("consumer %s: %w", name, err)
		}

		if next > tip {
			catchingUp = false
			loggedCatch = false
			r.setLag(tip, next)
			if err := sleepIfNeeded(ctx, r.config.PollInterval); err != nil {
				r.logger.Info("consumer stopped")
				return nil
			}
			continue
		}

		if !catchingUp && tip-next >= batchSize {
			catchingUp = true
			if !loggedCatch {
				r.logger.Info("catching up with stream",
					zap.Uint32("next_height", next),
					zap.Uint32("tip", tip),
					zap.Uint32("behind", tip-next))
				loggedCatch = true
			}
		}

		end := tip
		if next+batchSize-1 < tip {
			end = next + batchSize - 1
		}

		blocks, err := r.stream.Range(ctx, next, end)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", name, err)
		}
		if len(blocks) == 0 {
			if err := sleepIfNeeded(ctx, r.config.PollInterval); err != nil {
				return nil
			}
			continue
		}

		batchStarted = time.Now()
		items, err := r.indexer.ProcessBatch(ctx, blocks)
		if err != nil {
			if !errs.Retryable(err) {
				r.logger.Error("batch failed with non-retryable error",
					zap.Uint32("start", next),
					zap.Uint32("end", end),
					zap.Error(err))
				r.metrics.recordFailure(name, errs.KindOf(err))
				return fmt.Errorf("consumer %s: %w", name, err)
			}

			failures++
			delay := retryDelay(failures)
			r.metrics.recordFailure(name, errs.KindOf(err))
			if failures >= retryWarnAfter {
				r.logger.Warn("batch keeps failing, backing off",
					zap.Uint32("start", next),
					zap.Uint32("end", end),
					zap.Int("consecutive_failures", failures),
					zap.Duration("delay", delay),
					zap.Error(err))
			} else {
				r.logger.Debug("retrying batch",
					zap.Uint32("start", next),
					zap.Int("attempt", failures),
					zap.Duration("delay", delay),
					zap.Error(err))
			}
			if err := sleepIfNeeded(ctx, delay); err != nil {
				return nil
			}
			continue
		}
		failures = 0

		last := blocks[len(blocks)-1].Height
		if err := r.checkpoints.SetCheckpoint(ctx, name, last); err != nil {
			return fmt.Errorf("consumer %s: %w", name, err)
		}

		totalBlocks += uint64(len(blocks))
		totalItems += uint64(items)
		r.metrics.recordBatch(name, len(blocks), items, time.Since(batchStarted))
		r.metrics.setCheckpoint(name, last)
		r.setLag(tip, last+1)

		if last >= milestoneAt {
			r.logger.Info(fmt.Sprintf("Processed %d blocks (height %d-%d) with %d items in %s",
				totalBlocks, firstHeight, last, totalItems, time.Since(sinceStart).Round(time.Second)))
			milestoneAt = nextMilestone(last+1, r.config.MilestoneInterval)
		}

		next = last + 1
	}
}

func (r *Runtime) setLag(tip, next uint32) {
	if next > tip {
		r.metrics.setLag(r.indexer.Name(), 0)
		return
	}
	r.metrics.setLag(r.indexer.Name(), tip-next+1)
}

// nextMilestone returns the first multiple of interval at or above from.
func nextMilestone(from, interval uint32) uint32 {
	if from == 0 {
		return interval
	}
	return ((from + interval - 1) / interval) * interval
}

// retryDelay returns the capped exponential backoff for the nth
// consecutive failure (1-based).
func retryDelay(failures int) time.Duration {
	delay := retryBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= retryCap {
			return retryCap
		}
	}
	if delay > retryCap {
		return retryCap
	}
	return delay
}

// sleepIfNeeded sleeps for d unless the context ends first; a zero d only
// checks for cancellation.
func sleepIfNeeded(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
