package constants

// Network identifies a configured Substrate network.
type Network string

const (
	// NetworkTorus is the Torus mainnet
	NetworkTorus Network = "torus"
	// NetworkBittensor is the Bittensor (Finney) mainnet
	NetworkBittensor Network = "bittensor"
	// NetworkPolkadot is the Polkadot relay chain
	NetworkPolkadot Network = "polkadot"
)

// NormalizedDecimals is the fixed-point scale all monetary amounts are
// normalized to before they leave the chain client. Chain-specific decimals
// are scaled up to this value during ingestion.
const NormalizedDecimals = 18

// NativeContract is the asset contract identifier used for chain-native
// assets in transfer rows and the asset dictionary.
const NativeContract = "native"

// NetworkParams holds the chain-specific parameters needed to normalize
// blocks into the chain-neutral shape.
type NetworkParams struct {
	// SS58Prefix is the address format prefix for the network
	SS58Prefix uint16

	// Decimals is the number of decimals of the native asset on chain
	Decimals uint8

	// NativeSymbol is the native asset ticker
	NativeSymbol string

	// StakePallet and StakeItem name the storage map holding per-account
	// stake, when the network has one. Empty means stake is reported as 0.
	StakePallet string
	StakeItem   string
}

// networks is the registry of supported networks.
var networks = map[Network]NetworkParams{
	NetworkTorus: {
		SS58Prefix:   42,
		Decimals:     18,
		NativeSymbol: "TOR",
		StakePallet:  "Torus0",
		StakeItem:    "StakedBy",
	},
	NetworkBittensor: {
		SS58Prefix:   42,
		Decimals:     9,
		NativeSymbol: "TAO",
		StakePallet:  "SubtensorModule",
		StakeItem:    "TotalColdkeyStake",
	},
	NetworkPolkadot: {
		SS58Prefix:   0,
		Decimals:     10,
		NativeSymbol: "DOT",
	},
}

// Params returns the parameters for a network and whether it is known.
func Params(n Network) (NetworkParams, bool) {
	p, ok := networks[n]
	return p, ok
}

// Known returns the identifiers of all supported networks.
func Known() []Network {
	return []Network{NetworkTorus, NetworkBittensor, NetworkPolkadot}
}

// Default consumer tuning. Batch sizes and milestone intervals are
// overridable per consumer via configuration.
const (
	DefaultStreamBatchSize    = 50
	DefaultTransfersBatchSize = 100
	DefaultSeriesBatchSize    = 100
	DefaultMoneyFlowBatchSize = 50
	DefaultAssetsBatchSize    = 200

	DefaultStreamMilestone    = 5_000
	DefaultTransfersMilestone = 10_000
	DefaultSeriesMilestone    = 10_000
	DefaultMoneyFlowMilestone = 1_000
	DefaultAssetsMilestone    = 10_000

	// DefaultPeriodHours is the balance series period length
	DefaultPeriodHours = 4

	// DefaultPartitionSize is the height partition width shared by all
	// height-partitioned stores
	DefaultPartitionSize = 4096

	// DefaultAnalyticsEveryBlocks is the money-flow analytics cadence,
	// counted in blocks processed by the money-flow consumer
	DefaultAnalyticsEveryBlocks = 1_000
)

// Consumer names used as checkpoint keys. Renaming one orphans its
// checkpoint and replays the projection from genesis.
const (
	ConsumerStream    = "block_stream"
	ConsumerTransfers = "balance_transfers"
	ConsumerSeries    = "balance_series"
	ConsumerMoneyFlow = "money_flow"
	ConsumerAssets    = "asset_dictionary"
)
