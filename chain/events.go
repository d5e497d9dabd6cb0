package chain

import (
	"encoding/json"
	"fmt"
)

// Recognized event kinds, in the pallet.Method casing the node reports.
// Each kind has a tagged variant below; everything else falls back to the
// raw attributes carried on the Event.
const (
	KindTransfer        = "balances.Transfer"
	KindEndowed         = "balances.Endowed"
	KindAssetTransfer   = "assets.Transferred"
	KindRewarded        = "staking.Rewarded"
	KindTreasuryAwarded = "treasury.Awarded"
	KindFeePaid         = "transactionPayment.TransactionFeePaid"
)

// FeePaidEvent is the fee actually charged for a signed extrinsic.
type FeePaidEvent struct {
	Who string `json:"who"`
	Fee Amount `json:"actual_fee"`
}

// DecodeFeePaid decodes a transactionPayment.TransactionFeePaid event.
func DecodeFeePaid(e Event) (FeePaidEvent, error) {
	var out FeePaidEvent
	err := decodeInto(e, &out)
	return out, err
}

// TransferEvent is a native balance transfer between two addresses.
type TransferEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
}

// EndowedEvent marks the first deposit into an account.
type EndowedEvent struct {
	Account string `json:"account"`
	Free    Amount `json:"free_balance"`
}

// AssetTransferEvent is a token transfer from an assets pallet. Contract
// carries the on-chain asset identifier; it is empty when the event did not
// name one.
type AssetTransferEvent struct {
	Contract string `json:"asset_id"`
	Symbol   string `json:"symbol,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   Amount `json:"amount"`
}

// StakeEvent covers stake add/remove events across networks. Account is the
// staker; Added reports direction.
type StakeEvent struct {
	Account string `json:"account"`
	Amount  Amount `json:"amount"`
	Added   bool   `json:"-"`
}

// RewardedEvent is a staking reward paid to a stash account.
type RewardedEvent struct {
	Stash  string `json:"stash"`
	Amount Amount `json:"amount"`
}

// TreasuryAwardedEvent is a treasury payout to a recipient.
type TreasuryAwardedEvent struct {
	Recipient string `json:"account"`
	Amount    Amount `json:"award"`
}

// RegistrationEvent covers network-specific participant registrations
// (agents on Torus, neurons on Bittensor) used for graph labels.
type RegistrationEvent struct {
	Account string `json:"account"`
	Netuid  uint16 `json:"netuid,omitempty"`
}

// SubnetCreatedEvent is emitted when a subnet is registered; it produces a
// typed ownership relation in the money-flow graph.
type SubnetCreatedEvent struct {
	Owner  string `json:"owner"`
	Netuid uint16 `json:"netuid"`
}

func decodeInto(e Event, v interface{}) error {
	if len(e.Attributes) == 0 {
		return fmt.Errorf("event %s %s: no attributes", e.ID, e.Kind())
	}
	if err := json.Unmarshal(e.Attributes, v); err != nil {
		return fmt.Errorf("event %s %s: %w", e.ID, e.Kind(), err)
	}
	return nil
}

// DecodeTransfer decodes a Balances.Transfer event.
func DecodeTransfer(e Event) (TransferEvent, error) {
	var out TransferEvent
	if err := decodeInto(e, &out); err != nil {
		return out, err
	}
	if out.From == "" || out.To == "" {
		return out, fmt.Errorf("event %s: transfer missing endpoints", e.ID)
	}
	return out, nil
}

// DecodeEndowed decodes a Balances.Endowed event.
func DecodeEndowed(e Event) (EndowedEvent, error) {
	var out EndowedEvent
	err := decodeInto(e, &out)
	return out, err
}

// DecodeAssetTransfer decodes an Assets.Transferred event.
func DecodeAssetTransfer(e Event) (AssetTransferEvent, error) {
	var out AssetTransferEvent
	if err := decodeInto(e, &out); err != nil {
		return out, err
	}
	if out.From == "" || out.To == "" {
		return out, fmt.Errorf("event %s: asset transfer missing endpoints", e.ID)
	}
	return out, nil
}

// DecodeStake decodes a stake add/remove event; added reports direction.
func DecodeStake(e Event, added bool) (StakeEvent, error) {
	var out StakeEvent
	if err := decodeInto(e, &out); err != nil {
		return out, err
	}
	out.Added = added
	return out, nil
}

// DecodeRewarded decodes a Staking.Rewarded event.
func DecodeRewarded(e Event) (RewardedEvent, error) {
	var out RewardedEvent
	err := decodeInto(e, &out)
	return out, err
}

// DecodeTreasuryAwarded decodes a Treasury.Awarded event.
func DecodeTreasuryAwarded(e Event) (TreasuryAwardedEvent, error) {
	var out TreasuryAwardedEvent
	err := decodeInto(e, &out)
	return out, err
}

// DecodeRegistration decodes an agent/neuron registration event.
func DecodeRegistration(e Event) (RegistrationEvent, error) {
	var out RegistrationEvent
	err := decodeInto(e, &out)
	return out, err
}

// DecodeSubnetCreated decodes a subnet registration event.
func DecodeSubnetCreated(e Event) (SubnetCreatedEvent, error) {
	var out SubnetCreatedEvent
	err := decodeInto(e, &out)
	return out, err
}
