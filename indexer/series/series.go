// Package series materializes periodic per-address balance snapshots.
// Periods are fixed-length, epoch-aligned windows over block timestamps; a
// period's record carries the chain balances at its last block plus deltas
// against the most recent prior record for the same (address, asset).
package series

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/columnar"
	"github.com/chainscope/indexer-go/internal/constants"
)

// Balances defines the chain-state reads this indexer needs.
type Balances interface {
	QueryBalances(ctx context.Context, height uint32, addrs []string) (map[string]chain.BalanceTriple, error)
}

// Stream reads back stored blocks for open-window recovery after a
// restart.
type Stream interface {
	Range(ctx context.Context, start, end uint32) ([]chain.Block, error)
}

// Store defines the columnar operations this indexer needs.
type Store interface {
	UpsertSeries(ctx context.Context, rows []columnar.SeriesRow) error
	LastPrior(ctx context.Context, address, asset string, before int64) (*columnar.SeriesRow, error)
	EnsureExists(ctx context.Context, contract, symbol string, height uint32, ts int64) error
}

// Config holds series indexer configuration.
type Config struct {
	// BatchSize is the number of blocks per batch.
	BatchSize int

	// PeriodLength is the snapshot window length.
	PeriodLength time.Duration

	// NativeSymbol names the watched asset.
	NativeSymbol string
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PeriodLength <= 0 {
		return fmt.Errorf("period length must be positive")
	}
	if c.NativeSymbol == "" {
		return fmt.Errorf("native symbol is required")
	}
	return nil
}

// period accumulates the activity of one open window.
type period struct {
	start      int64 // unix ms, epoch aligned
	addrs      map[string]struct{}
	lastHeight uint32
}

// Indexer writes balance series records.
type Indexer struct {
	balances Balances
	store    Store
	stream   Stream
	config   *Config
	logger   *zap.Logger

	open   *period
	primed bool
}

// New creates a series indexer.
func New(balances Balances, store Store, stream Stream, config *Config, logger *zap.Logger) (*Indexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{balances: balances, store: store, stream: stream, config: config, logger: logger}, nil
}

// Name implements pipeline.Indexer.
func (i *Indexer) Name() string { return constants.ConsumerSeries }

// BatchSize implements pipeline.Indexer.
func (i *Indexer) BatchSize() int { return i.config.BatchSize }

// periodStart aligns a timestamp down to its period boundary.
func (i *Indexer) periodStart(ts int64) int64 {
	length := i.config.PeriodLength.Milliseconds()
	return ts - ts%length
}

// ProcessBatch folds blocks into period windows. A period whose end the
// batch crosses is materialized from chain state at its last block. The
// still-open window is written provisionally at the batch end and
// superseded by the upsert that finally closes it, so a crash between
// batches loses no closed-period records.
func (i *Indexer) ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error) {
	if !i.primed && len(blocks) > 0 {
		if err := i.recoverOpen(ctx, blocks[0]); err != nil {
			return 0, err
		}
		i.primed = true
	}

	total := 0

	// Each period is written as soon as it closes so that the next
	// period's deltas see it through LastPrior.
	flush := func(p *period) error {
		rows, err := i.materialize(ctx, p)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := i.store.EnsureExists(ctx, constants.NativeContract, i.config.NativeSymbol, p.lastHeight, p.start); err != nil {
				return err
			}
		}
		if err := i.store.UpsertSeries(ctx, rows); err != nil {
			return err
		}
		total += len(rows)
		return nil
	}

	for _, block := range blocks {
		start := i.periodStart(block.Timestamp)

		if i.open != nil && start > i.open.start {
			if err := flush(i.open); err != nil {
				return 0, err
			}
			i.open = nil
		}
		if i.open == nil {
			i.open = &period{start: start, addrs: make(map[string]struct{})}
		}

		for _, addr := range block.Addresses {
			i.open.addrs[addr] = struct{}{}
		}
		i.open.lastHeight = block.Height
	}

	if i.open != nil && len(i.open.addrs) > 0 {
		if err := flush(i.open); err != nil {
			return 0, err
		}
	}

	return total, nil
}

// recoverOpen rebuilds the open window's address set from the stream when
// the first batch after a restart lands mid-period. Without it, addresses
// seen before the restart would be missing from the period's closing
// snapshot.
func (i *Indexer) recoverOpen(ctx context.Context, first chain.Block) error {
	if first.Height == 0 {
		return nil
	}
	start := i.periodStart(first.Timestamp)
	open := &period{start: start, addrs: make(map[string]struct{})}

	for h := first.Height - 1; ; h-- {
		blocks, err := i.stream.Range(ctx, h, h)
		if err != nil {
			return err
		}
		if len(blocks) == 0 || i.periodStart(blocks[0].Timestamp) != start {
			break
		}
		for _, addr := range blocks[0].Addresses {
			open.addrs[addr] = struct{}{}
		}
		if blocks[0].Height > open.lastHeight {
			open.lastHeight = blocks[0].Height
		}
		if h == 0 {
			break
		}
	}

	if len(open.addrs) > 0 {
		i.logger.Info("recovered open period from stream",
			zap.Int64("period_start", open.start),
			zap.Int("addresses", len(open.addrs)))
	}
	i.open = open
	return nil
}

// materialize queries chain state at the period's last block and builds
// the snapshot rows with deltas against the latest prior record.
func (i *Indexer) materialize(ctx context.Context, p *period) ([]columnar.SeriesRow, error) {
	if len(p.addrs) == 0 {
		return nil, nil
	}

	addrs := make([]string, 0, len(p.addrs))
	for a := range p.addrs {
		addrs = append(addrs, a)
	}

	balances, err := i.balances.QueryBalances(ctx, p.lastHeight, addrs)
	if err != nil {
		return nil, err
	}

	asset := i.config.NativeSymbol
	periodEnd := p.start + i.config.PeriodLength.Milliseconds()
	rows := make([]columnar.SeriesRow, 0, len(balances))

	for addr, bal := range balances {
		total := bal.Total()

		prior, err := i.store.LastPrior(ctx, addr, asset, p.start)
		if err != nil {
			return nil, err
		}

		row := columnar.SeriesRow{
			PeriodStart: p.start,
			Address:     addr,
			Asset:       asset,
			PeriodEnd:   periodEnd,
			Height:      p.lastHeight,
			Free:        bal.Free,
			Reserved:    bal.Reserved,
			Staked:      bal.Staked,
			Total:       total,
		}

		if prior == nil {
			// The earliest record's deltas are the balances themselves.
			row.FreeDelta = bal.Free
			row.ReservedDelta = bal.Reserved
			row.StakedDelta = bal.Staked
			row.TotalDelta = total
			row.PctChange = 0
		} else {
			row.FreeDelta = delta(bal.Free, prior.Free)
			row.ReservedDelta = delta(bal.Reserved, prior.Reserved)
			row.StakedDelta = delta(bal.Staked, prior.Staked)
			row.TotalDelta = delta(total, prior.Total)
			row.PctChange = pctChange(total, prior.Total)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func delta(cur, prior *big.Int) *big.Int {
	if cur == nil {
		cur = new(big.Int)
	}
	if prior == nil {
		prior = new(big.Int)
	}
	return new(big.Int).Sub(cur, prior)
}

// pctChange is the percent change of total against prior, 0 when the
// prior total is 0.
func pctChange(cur, prior *big.Int) float64 {
	if prior == nil || prior.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).SetInt(new(big.Int).Sub(cur, prior))
	base := new(big.Float).SetInt(prior)
	out, _ := new(big.Float).Quo(diff, base).Float64()
	return out * 100
}
