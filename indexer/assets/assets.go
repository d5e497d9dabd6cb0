// Package assets discovers assets from the event stream and keeps the
// dictionary current independently of the transfer indexer. Discovery is
// insert-if-absent, so racing with other consumers is harmless.
package assets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Store defines the dictionary operations this indexer needs.
type Store interface {
	EnsureExists(ctx context.Context, contract, symbol string, height uint32, ts int64) error
	SeedNatives(ctx context.Context, contract, symbol string, decimals int) error
}

// Config holds asset indexer configuration.
type Config struct {
	// BatchSize is the number of blocks per batch.
	BatchSize int

	// NativeSymbol and NativeDecimals describe the pre-seeded native asset.
	NativeSymbol   string
	NativeDecimals int
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.NativeSymbol == "" {
		return fmt.Errorf("native symbol is required")
	}
	return nil
}

// Indexer keeps the asset dictionary current.
type Indexer struct {
	store  Store
	config *Config
	logger *zap.Logger
}

// New creates an asset indexer and pre-seeds the native asset as verified.
func New(ctx context.Context, store Store, config *Config, logger *zap.Logger) (*Indexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := store.SeedNatives(ctx, constants.NativeContract, config.NativeSymbol, config.NativeDecimals); err != nil {
		return nil, err
	}
	return &Indexer{store: store, config: config, logger: logger}, nil
}

// Name implements pipeline.Indexer.
func (i *Indexer) Name() string { return constants.ConsumerAssets }

// BatchSize implements pipeline.Indexer.
func (i *Indexer) BatchSize() int { return i.config.BatchSize }

// ProcessBatch registers every asset named by a token transfer in the
// batch, keyed to its earliest sighting.
func (i *Indexer) ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error) {
	type sighting struct {
		symbol string
		height uint32
		ts     int64
	}
	seen := make(map[string]sighting)

	for _, block := range blocks {
		for _, e := range block.Events {
			if e.Kind() != chain.KindAssetTransfer {
				continue
			}
			ev, err := chain.DecodeAssetTransfer(e)
			if err != nil {
				return 0, errs.E(errs.KindChainMalformed, "assets.ProcessBatch", err)
			}
			if ev.Contract == "" {
				i.logger.Warn("token transfer without contract, skipping discovery",
					zap.String("event_id", e.ID),
					zap.Uint32("height", block.Height))
				continue
			}
			if _, ok := seen[ev.Contract]; ok {
				continue
			}
			symbol := ev.Symbol
			if symbol == "" {
				symbol = ev.Contract
			}
			seen[ev.Contract] = sighting{symbol: symbol, height: block.Height, ts: block.Timestamp}
		}
	}

	for contract, s := range seen {
		if err := i.store.EnsureExists(ctx, contract, s.symbol, s.height, s.ts); err != nil {
			return 0, err
		}
	}

	return len(seen), nil
}
