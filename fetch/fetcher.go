// Package fetch drains finalized blocks from the chain into the canonical
// block stream. The fetcher is the only writer of the stream; everything
// downstream consumes it through checkpointed batches.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
	"github.com/chainscope/indexer-go/storage"
)

// Client defines the chain operations the fetcher needs.
type Client interface {
	FinalizedHead(ctx context.Context) (uint32, error)
	FetchBlocks(ctx context.Context, start uint32, count int) ([]chain.Block, error)
}

// Storage defines the stream operations the fetcher needs.
type Storage interface {
	MaxHeight(ctx context.Context) (uint32, error)
	HasBlock(ctx context.Context, height uint32) (bool, error)
	Append(ctx context.Context, blocks []chain.Block) error
	SetCheckpoint(ctx context.Context, consumer string, height uint32) error
}

// Config holds fetcher configuration.
type Config struct {
	// BatchSize is the number of blocks appended per stream batch.
	BatchSize int

	// ChunkSize is the number of blocks per upstream request.
	ChunkSize int

	// NumWorkers is the number of concurrent upstream fetches.
	NumWorkers int

	// PollInterval is how long to wait at the chain head.
	PollInterval time.Duration

	// MaxRetries bounds retry attempts for a failing batch.
	MaxRetries int

	// RetryDelay is the base delay between retry attempts.
	RetryDelay time.Duration
}

// Validate validates the fetcher configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > c.BatchSize {
		return fmt.Errorf("chunk size must be in 1..batch size")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}

// Fetcher ingests finalized blocks into the stream.
type Fetcher struct {
	client  Client
	storage Storage
	config  *Config
	metrics *Metrics
	logger  *zap.Logger
}

// NewFetcher creates a fetcher.
func NewFetcher(client Client, storage Storage, config *Config, metrics *Metrics, logger *zap.Logger) (*Fetcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		storage: storage,
		config:  config,
		metrics: metrics,
		logger:  logger.With(zap.String("consumer", constants.ConsumerStream)),
	}, nil
}

// NextHeight determines where ingestion resumes: one past the stored tip,
// or genesis on an empty stream.
func (f *Fetcher) NextHeight(ctx context.Context) (uint32, error) {
	max, err := f.storage.MaxHeight(ctx)
	if err != nil {
		if err == storage.ErrNotFound {
			f.logger.Info("stream is empty, starting from genesis")
			return 0, nil
		}
		return 0, err
	}
	return max + 1, nil
}

// chunkResult is one fetched chunk waiting for in-order assembly.
type chunkResult struct {
	start  uint32
	blocks []chain.Block
	err    error
}

// FetchRange fetches [start, end] with concurrent chunked requests and
// returns the blocks in height order. When the upstream trails the
// requested range it returns the contiguous prefix that arrived.
func (f *Fetcher) FetchRange(ctx context.Context, start, end uint32) ([]chain.Block, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	type job struct {
		start uint32
		count int
	}
	var jobList []job
	for h := start; h <= end; {
		count := int(end-h) + 1
		if count > f.config.ChunkSize {
			count = f.config.ChunkSize
		}
		jobList = append(jobList, job{start: h, count: count})
		h += uint32(count)
	}

	workers := f.config.NumWorkers
	if workers > len(jobList) {
		workers = len(jobList)
	}

	jobs := make(chan job, len(jobList))
	results := make(chan chunkResult, len(jobList))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					results <- chunkResult{start: j.start, err: ctx.Err()}
					return
				default:
				}
				started := time.Now()
				blocks, err := f.client.FetchBlocks(ctx, j.start, j.count)
				f.metrics.observeFetch(time.Since(started), err)
				results <- chunkResult{start: j.start, blocks: blocks, err: err}
			}
		}()
	}

	for _, j := range jobList {
		jobs <- j
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	// Assemble chunks in height order; the first error wins but the
	// remaining workers are drained.
	byStart := make(map[uint32][]chain.Block, len(jobList))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		byStart[res.start] = res.blocks
	}
	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]chain.Block, 0, int(end-start)+1)
	for _, j := range jobList {
		chunk := byStart[j.start]
		out = append(out, chunk...)
		// A short chunk means the upstream has no later heights yet;
		// assembling past it would leave a gap in the stream.
		if len(chunk) < j.count {
			break
		}
	}
	return out, nil
}

// ingestBatch fetches and durably appends one batch, retrying transient
// upstream failures. It returns the number of blocks appended, which can
// be short of the requested range when the upstream trails it; the caller
// resumes from the last appended height.
func (f *Fetcher) ingestBatch(ctx context.Context, start, end uint32) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying batch ingest",
				zap.Uint32("start", start),
				zap.Uint32("end", end),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(f.config.RetryDelay * time.Duration(attempt)):
			}
		}

		blocks, err := f.FetchRange(ctx, start, end)
		if err != nil {
			if !errs.Retryable(err) {
				return 0, err
			}
			lastErr = err
			continue
		}
		if len(blocks) == 0 {
			return 0, nil
		}

		if err := f.storage.Append(ctx, blocks); err != nil {
			return 0, err
		}
		last := blocks[len(blocks)-1].Height
		if err := f.storage.SetCheckpoint(ctx, constants.ConsumerStream, last); err != nil {
			return 0, err
		}
		f.metrics.recordIngested(len(blocks), last)
		return len(blocks), nil
	}
	return 0, fmt.Errorf("batch %d-%d failed after %d attempts: %w",
		start, end, f.config.MaxRetries, lastErr)
}

// Audit spot-checks the stream at batch-size strides from genesis to the
// tip. Append enforces contiguity on every write, so a missing sample can
// only mean out-of-band corruption. Run at startup.
func (f *Fetcher) Audit(ctx context.Context) error {
	max, err := f.storage.MaxHeight(ctx)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	for h := uint32(0); ; {
		ok, err := f.storage.HasBlock(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Ef(errs.KindInvariant, "fetch.Audit",
				"stream has no block at height %d (tip %d)", h, max)
		}
		if h == max {
			break
		}
		step := uint32(f.config.BatchSize)
		if h+step > max {
			step = max - h
		}
		h += step
	}
	f.logger.Info("stream audit passed", zap.Uint32("tip", max))
	return nil
}

// Run ingests finalized blocks until the context is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	if err := f.Audit(ctx); err != nil {
		return err
	}
	next, err := f.NextHeight(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("fetcher starting",
		zap.Uint32("next_height", next),
		zap.Int("batch_size", f.config.BatchSize),
		zap.Int("workers", f.config.NumWorkers))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("fetcher stopped")
			return nil
		default:
		}

		head, err := f.client.FinalizedHead(ctx)
		if err != nil {
			f.logger.Warn("failed to read finalized head", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.config.RetryDelay):
			}
			continue
		}
		f.metrics.setHead(head)

		if next > head {
			select {
			case <-ctx.Done():
				f.logger.Info("fetcher stopped")
				return nil
			case <-time.After(f.config.PollInterval):
			}
			continue
		}

		end := head
		if next+uint32(f.config.BatchSize)-1 < head {
			end = next + uint32(f.config.BatchSize) - 1
		}

		n, err := f.ingestBatch(ctx, next, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errs.Retryable(err) {
				return err
			}
			f.logger.Error("batch ingest failed, will retry", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.config.RetryDelay):
			}
			continue
		}
		if n == 0 {
			// The block source trails the finalized head; wait for it.
			select {
			case <-ctx.Done():
				f.logger.Info("fetcher stopped")
				return nil
			case <-time.After(f.config.PollInterval):
			}
			continue
		}

		next += uint32(n)
	}
}
