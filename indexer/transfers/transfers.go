// Package transfers projects transfer-yielding events into the columnar
// transfers table: real balance and token transfers plus the synthetic
// stake, reward, and treasury movements.
package transfers

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/columnar"
	"github.com/chainscope/indexer-go/indexer"
	"github.com/chainscope/indexer-go/internal/constants"
)

// Store defines the columnar operations this indexer needs.
type Store interface {
	InsertTransfers(ctx context.Context, rows []columnar.TransferRow) error
	EnsureExists(ctx context.Context, contract, symbol string, height uint32, ts int64) error
}

// Config holds transfer indexer configuration.
type Config struct {
	// BatchSize is the number of blocks per batch.
	BatchSize int

	// NativeSymbol names the network's native asset.
	NativeSymbol string
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

// Indexer writes transfer rows.
type Indexer struct {
	store  Store
	config *Config
	logger *zap.Logger
}

// New creates a transfer indexer.
func New(store Store, config *Config, logger *zap.Logger) (*Indexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{store: store, config: config, logger: logger}, nil
}

// Name implements pipeline.Indexer.
func (i *Indexer) Name() string { return constants.ConsumerTransfers }

// BatchSize implements pipeline.Indexer.
func (i *Indexer) BatchSize() int { return i.config.BatchSize }

// seenAsset is one asset discovered during the batch, at its earliest
// sighting.
type seenAsset struct {
	symbol string
	height uint32
	ts     int64
}

// ProcessBatch extracts transfer rows from the batch and writes them with
// one bulk insert. Row versions are the block height, so a replayed batch
// rewrites identical rows.
func (i *Indexer) ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error) {
	var rows []columnar.TransferRow
	assets := make(map[string]seenAsset)

	for _, block := range blocks {
		fees, err := indexer.ExtractFees(block)
		if err != nil {
			return 0, err
		}
		movements, err := indexer.ExtractMovements(block, i.config.NativeSymbol)
		if err != nil {
			return 0, err
		}

		for _, m := range movements {
			eventIdx, err := chain.ParseIDIndex(m.Event.ID)
			if err != nil {
				return 0, err
			}

			contract := m.Contract
			if contract == "" {
				i.logger.Warn("token transfer without contract, recording as unknown",
					zap.String("event_id", m.Event.ID),
					zap.Uint32("height", block.Height))
			}

			extrinsicID := m.Event.ExtrinsicID
			var fee *big.Int
			if !m.Synthetic && extrinsicID != "" {
				fee = fees[extrinsicID]
			}
			if extrinsicID == "" {
				// Synthetic movements and hook events have no extrinsic;
				// the event id keeps the row key unique.
				extrinsicID = m.Event.ID
			}

			rows = append(rows, columnar.TransferRow{
				ExtrinsicID:   extrinsicID,
				EventIdx:      eventIdx,
				Asset:         m.Asset,
				Height:        block.Height,
				Timestamp:     block.Timestamp,
				From:          m.From,
				To:            m.To,
				Amount:        m.Amount,
				Fee:           fee,
				AssetContract: contract,
				Version:       block.Height,
			})

			if contract != "" {
				if _, ok := assets[contract]; !ok {
					assets[contract] = seenAsset{
						symbol: m.Asset,
						height: block.Height,
						ts:     block.Timestamp,
					}
				}
			}
		}
	}

	for contract, a := range assets {
		if err := i.store.EnsureExists(ctx, contract, a.symbol, a.height, a.ts); err != nil {
			return 0, err
		}
	}

	if err := i.store.InsertTransfers(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
