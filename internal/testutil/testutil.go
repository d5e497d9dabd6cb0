// Package testutil provides block and event fixtures shared by consumer
// and pipeline tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/chainscope/indexer-go/chain"
)

// Tok converts whole tokens into 18-decimal normalized units.
func Tok(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Block builds a block at the given height with the supplied events,
// timestamped at a 6s block cadence from epoch.
func Block(height uint32, events ...chain.Event) chain.Block {
	return BlockAt(height, int64(height)*6_000, events...)
}

// BlockAt builds a block with an explicit millisecond timestamp. Event
// and extrinsic IDs are assigned sequentially and the address set is
// derived from event attributes.
func BlockAt(height uint32, ts int64, events ...chain.Event) chain.Block {
	addrs := make(map[string]struct{})
	for i := range events {
		events[i].ID = chain.EventID(height, i)
		if events[i].ExtrinsicID == "" {
			events[i].ExtrinsicID = chain.ExtrinsicID(height, 1)
		}
		var attrs map[string]interface{}
		if err := json.Unmarshal(events[i].Attributes, &attrs); err == nil {
			for _, key := range []string{"from", "to", "who", "account", "stash"} {
				if v, ok := attrs[key].(string); ok && v != "" {
					addrs[v] = struct{}{}
				}
			}
		}
	}
	sorted := make([]string, 0, len(addrs))
	for a := range addrs {
		sorted = append(sorted, a)
	}
	sort.Strings(sorted)

	return chain.Block{
		Height:    height,
		Hash:      fmt.Sprintf("0x%064x", height),
		Timestamp: ts,
		Addresses: sorted,
		Extrinsics: []chain.Extrinsic{
			{ID: chain.ExtrinsicID(height, 1), Module: "balances", Function: "transfer", Success: true},
		},
		Events: events,
	}
}

// Blocks builds a contiguous run of empty blocks starting at from.
func Blocks(from uint32, count int) []chain.Block {
	out := make([]chain.Block, count)
	for i := range out {
		out[i] = Block(from + uint32(i))
	}
	return out
}

// Transfer builds a native balance transfer event.
func Transfer(from, to string, amount *big.Int) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"from": from, "to": to, "amount": amount.String(),
	})
	return chain.Event{Module: "balances", Name: "Transfer", Attributes: attrs}
}

// AssetTransfer builds a pallet-assets transfer event.
func AssetTransfer(assetID, from, to string, amount *big.Int) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"asset_id": assetID, "from": from, "to": to, "amount": amount.String(),
	})
	return chain.Event{Module: "assets", Name: "Transferred", Attributes: attrs}
}

// Stake builds a stake-added or stake-removed event.
func Stake(account string, amount *big.Int, added bool) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"account": account, "amount": amount.String(),
	})
	name := "StakeRemoved"
	if added {
		name = "StakeAdded"
	}
	return chain.Event{Module: "subtensorModule", Name: name, Attributes: attrs}
}

// Rewarded builds a staking reward event.
func Rewarded(stash string, amount *big.Int) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"stash": stash, "amount": amount.String(),
	})
	return chain.Event{Module: "staking", Name: "Rewarded", Attributes: attrs}
}

// TreasuryAward builds a treasury payout event.
func TreasuryAward(recipient string, amount *big.Int) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"account": recipient, "award": amount.String(),
	})
	return chain.Event{Module: "treasury", Name: "Awarded", Attributes: attrs}
}

// FeePaid builds a transaction fee event tied to an extrinsic.
func FeePaid(extrinsicID, who string, fee *big.Int) chain.Event {
	attrs, _ := json.Marshal(map[string]string{
		"who": who, "actual_fee": fee.String(),
	})
	return chain.Event{
		ExtrinsicID: extrinsicID,
		Module:      "transactionPayment", Name: "TransactionFeePaid",
		Attributes: attrs,
	}
}
