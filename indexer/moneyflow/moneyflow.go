// Package moneyflow maintains the aggregated money-flow graph and its
// periodic analytics. Per-block mutations gate the checkpoint; analytics
// runs on a block-count cadence and is best-effort.
package moneyflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/graph"
	"github.com/chainscope/indexer-go/indexer"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Graph defines the graph store operations this indexer needs.
type Graph interface {
	ApplyTransfers(ctx context.Context, transfers []graph.Transfer) error
	SetLabel(ctx context.Context, addr, label string) error
	AddRelation(ctx context.Context, relType, from, to string) error
	RunAnalytics(ctx context.Context) error
}

// Config holds money-flow indexer configuration.
type Config struct {
	// BatchSize is the number of blocks per batch.
	BatchSize int

	// NativeSymbol names the native asset on edges.
	NativeSymbol string

	// AnalyticsEveryBlocks is the analytics cadence, in processed blocks.
	// The block count is deterministic across restarts, unlike a timer.
	AnalyticsEveryBlocks int
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.NativeSymbol == "" {
		return fmt.Errorf("native symbol is required")
	}
	if c.AnalyticsEveryBlocks <= 0 {
		return fmt.Errorf("analytics cadence must be positive")
	}
	return nil
}

// Indexer folds transfers into the money-flow graph.
type Indexer struct {
	graph  Graph
	config *Config
	logger *zap.Logger

	sinceAnalytics int
}

// New creates a money-flow indexer.
func New(g Graph, config *Config, logger *zap.Logger) (*Indexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{graph: g, config: config, logger: logger}, nil
}

// Name implements pipeline.Indexer.
func (i *Indexer) Name() string { return constants.ConsumerMoneyFlow }

// BatchSize implements pipeline.Indexer.
func (i *Indexer) BatchSize() int { return i.config.BatchSize }

// ProcessBatch applies the batch's graph mutations atomically, then runs
// analytics if the cadence has elapsed. An analytics failure is logged and
// retried on the next cadence; it never fails the batch.
func (i *Indexer) ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error) {
	var transfers []graph.Transfer
	systemNodes := make(map[string]struct{})

	for _, block := range blocks {
		movements, err := indexer.ExtractMovements(block, i.config.NativeSymbol)
		if err != nil {
			return 0, err
		}
		for _, m := range movements {
			transfers = append(transfers, graph.Transfer{
				From:   m.From,
				To:     m.To,
				Asset:  m.Asset,
				Amount: m.Amount,
				Height: block.Height,
			})
			if m.Synthetic {
				if m.From == indexer.CounterpartySystem || m.From == indexer.CounterpartyStaking || m.From == indexer.CounterpartyTreasury {
					systemNodes[m.From] = struct{}{}
				} else {
					systemNodes[m.To] = struct{}{}
				}
			}
		}

		endowed, err := endowments(block)
		if err != nil {
			return 0, err
		}
		transfers = append(transfers, endowed...)
	}

	if err := i.graph.ApplyTransfers(ctx, transfers); err != nil {
		return 0, err
	}

	// Labels and relations are idempotent sets, safe to reapply.
	for addr := range systemNodes {
		label := graph.LabelSystem
		if addr == indexer.CounterpartyTreasury {
			label = graph.LabelTreasury
		}
		if err := i.graph.SetLabel(ctx, addr, label); err != nil {
			return 0, err
		}
	}
	for _, block := range blocks {
		if err := i.applyLabels(ctx, block); err != nil {
			return 0, err
		}
	}

	i.sinceAnalytics += len(blocks)
	if i.sinceAnalytics >= i.config.AnalyticsEveryBlocks {
		if err := i.graph.RunAnalytics(ctx); err != nil {
			i.logger.Error("analytics pass failed, will retry next cadence",
				zap.Error(err))
		} else {
			i.sinceAnalytics = 0
		}
	}

	return len(transfers), nil
}

// endowments returns node-touch entries for first deposits.
func endowments(block chain.Block) ([]graph.Transfer, error) {
	var out []graph.Transfer
	for _, e := range block.Events {
		if e.Kind() != chain.KindEndowed {
			continue
		}
		ev, err := chain.DecodeEndowed(e)
		if err != nil {
			return nil, errs.E(errs.KindChainMalformed, "moneyflow.endowments", err)
		}
		if ev.Account == "" {
			continue
		}
		out = append(out, graph.Transfer{
			From:   ev.Account,
			Height: block.Height,
			Touch:  true,
		})
	}
	return out, nil
}

// applyLabels handles the network-specific registration events: agent and
// neuron registrations label the account, subnet creation records an
// ownership relation.
func (i *Indexer) applyLabels(ctx context.Context, block chain.Block) error {
	for _, e := range block.Events {
		switch e.Kind() {
		case "torus0.AgentRegistered":
			ev, err := chain.DecodeRegistration(e)
			if err != nil {
				return errs.E(errs.KindChainMalformed, "moneyflow.applyLabels", err)
			}
			if err := i.graph.SetLabel(ctx, ev.Account, graph.LabelAgent); err != nil {
				return err
			}

		case "subtensorModule.NeuronRegistered":
			ev, err := chain.DecodeRegistration(e)
			if err != nil {
				return errs.E(errs.KindChainMalformed, "moneyflow.applyLabels", err)
			}
			if err := i.graph.SetLabel(ctx, ev.Account, graph.LabelNeuron); err != nil {
				return err
			}

		case "subtensorModule.NetworkAdded":
			ev, err := chain.DecodeSubnetCreated(e)
			if err != nil {
				return errs.E(errs.KindChainMalformed, "moneyflow.applyLabels", err)
			}
			if ev.Owner == "" {
				continue
			}
			subnet := fmt.Sprintf("subnet:%d", ev.Netuid)
			if err := i.graph.AddRelation(ctx, graph.RelOwnsSubnet, ev.Owner, subnet); err != nil {
				return err
			}
		}
	}
	return nil
}
