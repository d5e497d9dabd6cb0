// Package chain defines the chain-neutral block model shared by the
// ingester and every downstream consumer. Blocks are serialized as JSON so
// consumers can read the stream without the ingester code; unknown fields
// are tolerated on decode.
package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
)

// Block is one canonical log entry, identified by height.
type Block struct {
	Height    uint32      `json:"height"`
	Hash      string      `json:"hash"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Extrinsics []Extrinsic `json:"extrinsics"`
	// Addresses is the union of addresses named in any extrinsic or event
	// of this block.
	Addresses []string `json:"addresses"`
	Events    []Event  `json:"events"`
}

// Extrinsic is an on-chain signed or unsigned transaction.
type Extrinsic struct {
	// ID is "{height}-{index}".
	ID       string `json:"id"`
	Hash     string `json:"hash"`
	Signer   string `json:"signer,omitempty"`
	Module   string `json:"module"`
	Function string `json:"function"`
	Success  bool   `json:"success"`
}

// Event is a state-change notification emitted during extrinsic execution.
type Event struct {
	// ID is "{height}-{index}".
	ID          string `json:"id"`
	ExtrinsicID string `json:"extrinsic_id,omitempty"`
	Module      string `json:"module"`
	Name        string `json:"name"`
	// Attributes is a JSON object with decoded, named event fields. For
	// event kinds the client does not recognize it carries the raw
	// positional data under "data".
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Kind returns the "Module.Name" event identifier used for dispatch.
func (e Event) Kind() string {
	return e.Module + "." + e.Name
}

// ExtrinsicID formats the canonical "{height}-{index}" identifier.
func ExtrinsicID(height uint32, index int) string {
	return fmt.Sprintf("%d-%d", height, index)
}

// EventID formats the canonical "{height}-{index}" identifier.
func EventID(height uint32, index int) string {
	return fmt.Sprintf("%d-%d", height, index)
}

// ParseIDIndex returns the index component of a "{height}-{index}" id.
func ParseIDIndex(id string) (int, error) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			idx, err := strconv.Atoi(id[i+1:])
			if err != nil {
				return 0, fmt.Errorf("bad id %q: %w", id, err)
			}
			return idx, nil
		}
	}
	return 0, fmt.Errorf("bad id %q", id)
}

// BalanceTriple is a point-in-time balance of one (address, asset),
// normalized to 18 decimals.
type BalanceTriple struct {
	Free     *big.Int
	Reserved *big.Int
	Staked   *big.Int
}

// Total returns free + reserved + staked.
func (b BalanceTriple) Total() *big.Int {
	t := new(big.Int)
	if b.Free != nil {
		t.Add(t, b.Free)
	}
	if b.Reserved != nil {
		t.Add(t, b.Reserved)
	}
	if b.Staked != nil {
		t.Add(t, b.Staked)
	}
	return t
}

// Amount is a non-negative monetary amount that decodes from either a JSON
// string or a JSON number, and always encodes as a string. Substrate tools
// emit u128 amounts both ways.
type Amount struct {
	*big.Int
}

// NewAmount wraps v, treating nil as zero.
func NewAmount(v *big.Int) Amount {
	if v == nil {
		v = new(big.Int)
	}
	return Amount{v}
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Int == nil {
		return []byte(`"0"`), nil
	}
	return json.Marshal(a.Int.String())
}

// UnmarshalJSON decodes a decimal string, a 0x-prefixed hex string, or a
// plain JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.Int = new(big.Int)
		return nil
	}
	v := new(big.Int)
	if len(s) > 2 && s[0:2] == "0x" {
		if _, ok := v.SetString(s[2:], 16); !ok {
			return fmt.Errorf("invalid hex amount %q", s)
		}
	} else {
		if _, ok := v.SetString(s, 10); !ok {
			return fmt.Errorf("invalid amount %q", s)
		}
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative amount %q", s)
	}
	a.Int = v
	return nil
}
