// Package indexer holds the event extraction shared by the downstream
// consumers: the mapping from decoded chain events to value movements.
package indexer

import (
	"math/big"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Synthetic counterparties for value movements that have only one real
// account side.
const (
	CounterpartySystem   = "system"
	CounterpartyStaking  = "staking"
	CounterpartyTreasury = "treasury"
)

// NativeContract identifies the network's native asset in contract fields.
const NativeContract = constants.NativeContract

// Movement is one value transfer extracted from an event, either a real
// transfer or a synthetic one derived from stake, reward, or treasury
// events.
type Movement struct {
	From      string
	To        string
	Asset     string
	Contract  string
	Amount    *big.Int
	Synthetic bool
	Event     chain.Event
}

// stake event kinds vary by network; both map to the same synthetic shape.
func isStakeKind(kind string) (added, ok bool) {
	switch kind {
	case "subtensorModule.StakeAdded", "torus0.StakeAdded":
		return true, true
	case "subtensorModule.StakeRemoved", "torus0.StakeRemoved":
		return false, true
	}
	return false, false
}

// ExtractMovements returns the value movements of one block in event
// order. nativeSymbol names the native asset in rows and edges. Decode
// failures surface as ChainMalformed; an event the mapping does not
// recognize is skipped.
func ExtractMovements(block chain.Block, nativeSymbol string) ([]Movement, error) {
	var out []Movement

	for _, e := range block.Events {
		kind := e.Kind()

		if added, ok := isStakeKind(kind); ok {
			ev, err := chain.DecodeStake(e, added)
			if err != nil {
				return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractMovements", err)
			}
			m := Movement{
				Asset:     nativeSymbol,
				Contract:  NativeContract,
				Amount:    ev.Amount.Int,
				Synthetic: true,
				Event:     e,
			}
			if added {
				m.From, m.To = ev.Account, CounterpartySystem
			} else {
				m.From, m.To = CounterpartySystem, ev.Account
			}
			out = append(out, m)
			continue
		}

		switch kind {
		case chain.KindTransfer:
			ev, err := chain.DecodeTransfer(e)
			if err != nil {
				return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractMovements", err)
			}
			out = append(out, Movement{
				From:     ev.From,
				To:       ev.To,
				Asset:    nativeSymbol,
				Contract: NativeContract,
				Amount:   ev.Amount.Int,
				Event:    e,
			})

		case chain.KindAssetTransfer:
			ev, err := chain.DecodeAssetTransfer(e)
			if err != nil {
				return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractMovements", err)
			}
			asset := ev.Symbol
			if asset == "" {
				asset = ev.Contract
			}
			out = append(out, Movement{
				From:     ev.From,
				To:       ev.To,
				Asset:    asset,
				Contract: ev.Contract,
				Amount:   ev.Amount.Int,
				Event:    e,
			})

		case chain.KindRewarded:
			ev, err := chain.DecodeRewarded(e)
			if err != nil {
				return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractMovements", err)
			}
			out = append(out, Movement{
				From:      CounterpartyStaking,
				To:        ev.Stash,
				Asset:     nativeSymbol,
				Contract:  NativeContract,
				Amount:    ev.Amount.Int,
				Synthetic: true,
				Event:     e,
			})

		case chain.KindTreasuryAwarded:
			ev, err := chain.DecodeTreasuryAwarded(e)
			if err != nil {
				return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractMovements", err)
			}
			out = append(out, Movement{
				From:      CounterpartyTreasury,
				To:        ev.Recipient,
				Asset:     nativeSymbol,
				Contract:  NativeContract,
				Amount:    ev.Amount.Int,
				Synthetic: true,
				Event:     e,
			})
		}
	}
	return out, nil
}

// ExtractFees maps extrinsic ids to the fee actually charged, drawn from
// transactionPayment events.
func ExtractFees(block chain.Block) (map[string]*big.Int, error) {
	fees := make(map[string]*big.Int)
	for _, e := range block.Events {
		if e.Kind() != chain.KindFeePaid || e.ExtrinsicID == "" {
			continue
		}
		ev, err := chain.DecodeFeePaid(e)
		if err != nil {
			return nil, errs.E(errs.KindChainMalformed, "indexer.ExtractFees", err)
		}
		fees[e.ExtrinsicID] = ev.Fee.Int
	}
	return fees, nil
}
