// Package storage implements the canonical block stream and the checkpoint
// store on PebbleDB. The stream is an append-only, height-partitioned log of
// chain-neutral block records; checkpoints are tiny per-consumer keys that
// advance only after a consumer's destination writes are durable.
package storage

import (
	"context"
	"errors"

	"github.com/chainscope/indexer-go/chain"
)

// Common errors
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidData is returned when a stored record cannot be decoded
	ErrInvalidData = errors.New("invalid data")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage closed")

	// ErrEmptyBatch is returned when appending an empty batch
	ErrEmptyBatch = errors.New("empty batch")
)

// StreamReader provides read access to the canonical block stream.
type StreamReader interface {
	// MaxHeight returns the highest stored height. ErrNotFound when empty.
	MaxHeight(ctx context.Context) (uint32, error)

	// Range returns the contiguous blocks in [start, end]. A missing tail
	// yields a short result; a gap in the middle is an error.
	Range(ctx context.Context, start, end uint32) ([]chain.Block, error)

	// HasBlock reports whether a block is stored at the height.
	HasBlock(ctx context.Context, height uint32) (bool, error)
}

// StreamWriter provides append access to the canonical block stream.
type StreamWriter interface {
	// Append atomically stores a contiguous batch of blocks. Re-appending
	// stored heights supersedes them with an incremented record version;
	// appending beyond max+1 is an invariant violation.
	Append(ctx context.Context, blocks []chain.Block) error
}

// Checkpoints is the per-consumer last-processed-height store.
type Checkpoints interface {
	// GetCheckpoint returns the last committed height for a consumer,
	// 0 when the consumer has never committed.
	GetCheckpoint(ctx context.Context, consumer string) (uint32, error)

	// SetCheckpoint durably records the last committed height. Heights are
	// monotonically non-decreasing unless the caller resets the consumer.
	SetCheckpoint(ctx context.Context, consumer string, height uint32) error

	// ResetCheckpoint removes a consumer's checkpoint so its projection
	// replays from genesis.
	ResetCheckpoint(ctx context.Context, consumer string) error
}

// Store combines all canonical-store roles backed by one database.
type Store interface {
	StreamReader
	StreamWriter
	Checkpoints
	Close() error
}
