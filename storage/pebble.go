package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Config holds canonical store configuration.
type Config struct {
	// Path is the database directory.
	Path string

	// PartitionSize is the height partition width.
	PartitionSize uint32

	// CacheMB is the pebble block cache size in megabytes.
	CacheMB int

	// MaxOpenFiles caps the open file descriptors.
	MaxOpenFiles int
}

// DefaultConfig returns a config with reasonable defaults.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:          path,
		PartitionSize: 4096,
		CacheMB:       128,
		MaxOpenFiles:  1024,
	}
}

// Validate validates the store configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if c.PartitionSize == 0 {
		return fmt.Errorf("partition size must be positive")
	}
	return nil
}

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db          *pebble.DB
	partitioner Partitioner
	logger      *zap.Logger
	closed      atomic.Bool
}

// NewPebbleStore opens or creates a canonical store.
func NewPebbleStore(cfg *Config) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.CacheMB) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:          db,
		partitioner: Partitioner{Size: cfg.PartitionSize},
		logger:      zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for the store.
func (s *PebbleStore) SetLogger(log *zap.Logger) {
	s.logger = log
}

// Partitioner exposes the height partition mapping shared with other stores.
func (s *PebbleStore) Partitioner() Partitioner {
	return s.partitioner
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close closes the store and releases resources.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// MaxHeight returns the highest stored height.
func (s *PebbleStore) MaxHeight(ctx context.Context) (uint32, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	value, closer, err := s.db.Get(MaxHeightKey())
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read max height: %w", err)
	}
	defer closer.Close()

	if len(value) != 4 {
		return 0, ErrInvalidData
	}
	return binary.BigEndian.Uint32(value), nil
}

// HasBlock reports whether a block is stored at the height.
func (s *PebbleStore) HasBlock(ctx context.Context, height uint32) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	_, closer, err := s.db.Get(BlockKey(s.partitioner, height))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Append atomically stores a contiguous batch of blocks. The batch must
// start at max+1 (or 0 on an empty store) unless it rewrites stored
// heights, in which case the rewritten records supersede by version.
func (s *PebbleStore) Append(ctx context.Context, blocks []chain.Block) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return ErrEmptyBatch
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height != blocks[i-1].Height+1 {
			return errs.Ef(errs.KindInvariant, "storage.Append",
				"batch not contiguous: %d follows %d", blocks[i].Height, blocks[i-1].Height)
		}
	}

	first := blocks[0].Height
	last := blocks[len(blocks)-1].Height

	max, err := s.MaxHeight(ctx)
	empty := false
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		empty = true
	}
	if empty && first != 0 {
		return errs.Ef(errs.KindInvariant, "storage.Append",
			"stream is empty but batch starts at %d", first)
	}
	if !empty && first > max+1 {
		return errs.Ef(errs.KindInvariant, "storage.Append",
			"gap: batch starts at %d, max stored height is %d", first, max)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, b := range blocks {
		version := uint64(1)
		existing, closer, err := s.db.Get(BlockKey(s.partitioner, b.Height))
		if err == nil {
			rec, decErr := decodeBlockRecord(existing)
			closer.Close()
			if decErr == nil {
				version = rec.Version + 1
			}
		} else if err != pebble.ErrNotFound {
			return fmt.Errorf("failed to read block %d: %w", b.Height, err)
		}

		data, err := encodeBlockRecord(blockRecord{Version: version, Block: b})
		if err != nil {
			return err
		}
		if err := batch.Set(BlockKey(s.partitioner, b.Height), data, nil); err != nil {
			return fmt.Errorf("failed to stage block %d: %w", b.Height, err)
		}
	}

	if empty || last > max {
		height := make([]byte, 4)
		binary.BigEndian.PutUint32(height, last)
		if err := batch.Set(MaxHeightKey(), height, nil); err != nil {
			return fmt.Errorf("failed to stage max height: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch %d-%d: %w", first, last, err)
	}
	return nil
}

// Range returns the contiguous blocks in [start, end]. A missing tail
// yields a short result; a gap in the middle violates stream contiguity.
func (s *PebbleStore) Range(ctx context.Context, start, end uint32) ([]chain.Block, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	blocks := make([]chain.Block, 0, end-start+1)
	for h := start; ; h++ {
		value, closer, err := s.db.Get(BlockKey(s.partitioner, h))
		if err != nil {
			if err == pebble.ErrNotFound {
				break
			}
			return nil, fmt.Errorf("failed to read block %d: %w", h, err)
		}
		rec, decErr := decodeBlockRecord(value)
		closer.Close()
		if decErr != nil {
			return nil, fmt.Errorf("block %d: %w", h, decErr)
		}
		blocks = append(blocks, rec.Block)
		if h == end {
			break
		}
	}

	// A short result is legal only at the tail of the stream.
	if len(blocks) < int(end-start+1) {
		next := start + uint32(len(blocks))
		if ok, err := s.HasBlock(ctx, next+1); err == nil && ok {
			return nil, errs.Ef(errs.KindInvariant, "storage.Range",
				"gap in block stream at height %d", next)
		}
	}
	return blocks, nil
}

// GetCheckpoint returns the last committed height for a consumer.
func (s *PebbleStore) GetCheckpoint(ctx context.Context, consumer string) (uint32, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}
	value, closer, err := s.db.Get(CheckpointKey(consumer))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read checkpoint %s: %w", consumer, err)
	}
	defer closer.Close()

	if len(value) != 4 {
		return 0, ErrInvalidData
	}
	return binary.BigEndian.Uint32(value), nil
}

// SetCheckpoint durably records the last committed height for a consumer.
// Checkpoints are monotonic; a regression indicates a runtime bug.
func (s *PebbleStore) SetCheckpoint(ctx context.Context, consumer string, height uint32) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	current, err := s.GetCheckpoint(ctx, consumer)
	if err != nil {
		return err
	}
	if height < current {
		return errs.Ef(errs.KindInvariant, "storage.SetCheckpoint",
			"checkpoint for %s would regress from %d to %d", consumer, current, height)
	}

	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, height)
	if err := s.db.Set(CheckpointKey(consumer), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", consumer, err)
	}
	return nil
}

// ResetCheckpoint removes a consumer's checkpoint so its projection replays
// from genesis.
func (s *PebbleStore) ResetCheckpoint(ctx context.Context, consumer string) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if err := s.db.Delete(CheckpointKey(consumer), pebble.Sync); err != nil {
		return fmt.Errorf("failed to reset checkpoint %s: %w", consumer, err)
	}
	s.logger.Info("checkpoint reset, projection will replay from genesis",
		zap.String("consumer", consumer))
	return nil
}
