package client

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	subkey "github.com/vedhavyas/go-subkey"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
)

// Sidecar response shapes. Only the fields the normalizer needs are decoded;
// everything else is ignored.

type sidecarBlock struct {
	Number       string             `json:"number"`
	Hash         string             `json:"hash"`
	Extrinsics   []sidecarExtrinsic `json:"extrinsics"`
	OnInitialize sidecarHooks       `json:"onInitialize"`
	OnFinalize   sidecarHooks       `json:"onFinalize"`
}

type sidecarHooks struct {
	Events []sidecarEvent `json:"events"`
}

type sidecarExtrinsic struct {
	Method    sidecarMethod     `json:"method"`
	Signature *sidecarSignature `json:"signature"`
	Args      json.RawMessage   `json:"args"`
	Hash      string            `json:"hash"`
	Success   bool              `json:"success"`
	Events    []sidecarEvent    `json:"events"`
}

type sidecarMethod struct {
	Pallet string `json:"pallet"`
	Method string `json:"method"`
}

type sidecarSignature struct {
	Signer sidecarAccount `json:"signer"`
}

// sidecarAccount decodes both the nested {"id": "5..."} form and a plain
// string; the sidecar emits either depending on the address type.
type sidecarAccount struct {
	ID string
}

func (a *sidecarAccount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.ID = s
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	a.ID = obj.ID
	return nil
}

type sidecarEvent struct {
	Method sidecarMethod     `json:"method"`
	Data   []json.RawMessage `json:"data"`
}

// normalizeBlock converts one sidecar block into the chain-neutral shape:
// contiguous event ids, named attributes for recognized event kinds, amounts
// scaled to 18 decimals, addresses re-encoded to the network prefix.
func (c *Client) normalizeBlock(rb sidecarBlock) (chain.Block, error) {
	height64, err := strconv.ParseUint(rb.Number, 10, 32)
	if err != nil {
		return chain.Block{}, errs.Ef(errs.KindChainMalformed, "client.normalizeBlock",
			"bad block number %q: %v", rb.Number, err)
	}
	height := uint32(height64)

	block := chain.Block{
		Height: height,
		Hash:   rb.Hash,
	}
	addrs := make(map[string]struct{})
	eventIndex := 0

	appendEvent := func(ev sidecarEvent, extrinsicID, signer string) error {
		attrs, eventAddrs, err := c.mapEventAttributes(ev.Method.Pallet, ev.Method.Method, ev.Data, signer)
		if err != nil {
			return errs.Ef(errs.KindChainMalformed, "client.normalizeBlock",
				"height %d event %s: %v", height, chain.EventID(height, eventIndex), err)
		}
		block.Events = append(block.Events, chain.Event{
			ID:          chain.EventID(height, eventIndex),
			ExtrinsicID: extrinsicID,
			Module:      ev.Method.Pallet,
			Name:        ev.Method.Method,
			Attributes:  attrs,
		})
		for _, a := range eventAddrs {
			addrs[a] = struct{}{}
		}
		eventIndex++
		return nil
	}

	for _, ev := range rb.OnInitialize.Events {
		if err := appendEvent(ev, "", ""); err != nil {
			return chain.Block{}, err
		}
	}

	for i, ex := range rb.Extrinsics {
		exID := chain.ExtrinsicID(height, i)
		signer := ""
		if ex.Signature != nil && ex.Signature.Signer.ID != "" {
			signer = c.normalizeAddress(ex.Signature.Signer.ID)
			addrs[signer] = struct{}{}
		}
		block.Extrinsics = append(block.Extrinsics, chain.Extrinsic{
			ID:       exID,
			Hash:     ex.Hash,
			Signer:   signer,
			Module:   ex.Method.Pallet,
			Function: ex.Method.Method,
			Success:  ex.Success,
		})

		if ex.Method.Pallet == "timestamp" && ex.Method.Method == "set" {
			ts, err := timestampArg(ex.Args)
			if err != nil {
				return chain.Block{}, errs.Ef(errs.KindChainMalformed, "client.normalizeBlock",
					"height %d timestamp.set: %v", height, err)
			}
			block.Timestamp = ts
		}

		for _, ev := range ex.Events {
			if err := appendEvent(ev, exID, signer); err != nil {
				return chain.Block{}, err
			}
		}
	}

	for _, ev := range rb.OnFinalize.Events {
		if err := appendEvent(ev, "", ""); err != nil {
			return chain.Block{}, err
		}
	}

	block.Addresses = make([]string, 0, len(addrs))
	for a := range addrs {
		block.Addresses = append(block.Addresses, a)
	}
	sort.Strings(block.Addresses)
	return block, nil
}

// timestampArg extracts the millisecond timestamp from timestamp.set args.
func timestampArg(args json.RawMessage) (int64, error) {
	var parsed struct {
		Now chain.Amount `json:"now"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return 0, err
	}
	if parsed.Now.Int == nil || !parsed.Now.IsInt64() {
		return 0, fmt.Errorf("bad now argument")
	}
	return parsed.Now.Int64(), nil
}

// mapEventAttributes converts the sidecar's positional event data into the
// named attribute object downstream consumers expect. Unrecognized kinds
// keep the raw positional data under "data" for future extension.
func (c *Client) mapEventAttributes(pallet, method string, data []json.RawMessage, signer string) (json.RawMessage, []string, error) {
	type field struct {
		name string
		// exactly one of the three is set
		addr   string
		amount *big.Int
		raw    json.RawMessage
	}

	build := func(fields ...field) (json.RawMessage, []string, error) {
		obj := make(map[string]interface{}, len(fields))
		var addrs []string
		for _, f := range fields {
			switch {
			case f.addr != "":
				obj[f.name] = f.addr
				addrs = append(addrs, f.addr)
			case f.amount != nil:
				obj[f.name] = f.amount.String()
			default:
				obj[f.name] = f.raw
			}
		}
		out, err := json.Marshal(obj)
		return out, addrs, err
	}

	addrAt := func(i int) (string, error) {
		s, err := asString(data, i)
		if err != nil {
			return "", err
		}
		return c.normalizeAddress(s), nil
	}
	amountAt := func(i int) (*big.Int, error) {
		var a chain.Amount
		if i < 0 || i >= len(data) {
			return nil, fmt.Errorf("%s.%s: missing data[%d]", pallet, method, i)
		}
		if err := json.Unmarshal(data[i], &a); err != nil {
			return nil, fmt.Errorf("%s.%s data[%d]: %w", pallet, method, i, err)
		}
		return c.scaleAmount(a.Int), nil
	}

	kind := pallet + "." + method
	switch kind {
	case "balances.Transfer":
		from, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		to, err := addrAt(1)
		if err != nil {
			return nil, nil, err
		}
		amount, err := amountAt(2)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "from", addr: from}, field{name: "to", addr: to}, field{name: "amount", amount: amount})

	case "balances.Endowed":
		account, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		free, err := amountAt(1)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "account", addr: account}, field{name: "free_balance", amount: free})

	case "assets.Transferred":
		assetID, err := asString(data, 0)
		if err != nil {
			return nil, nil, err
		}
		from, err := addrAt(1)
		if err != nil {
			return nil, nil, err
		}
		to, err := addrAt(2)
		if err != nil {
			return nil, nil, err
		}
		amount, err := amountAt(3)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "asset_id", raw: mustJSON(assetID)},
			field{name: "from", addr: from}, field{name: "to", addr: to},
			field{name: "amount", amount: amount})

	case "staking.Rewarded":
		stash, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		amount, err := amountAt(len(data) - 1)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "stash", addr: stash}, field{name: "amount", amount: amount})

	case "treasury.Awarded":
		amount, err := amountAt(1)
		if err != nil {
			return nil, nil, err
		}
		account, err := addrAt(2)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "account", addr: account}, field{name: "award", amount: amount})

	case "transactionPayment.TransactionFeePaid":
		who, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		fee, err := amountAt(1)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "who", addr: who}, field{name: "actual_fee", amount: fee})

	case "subtensorModule.StakeAdded", "subtensorModule.StakeRemoved",
		"torus0.StakeAdded", "torus0.StakeRemoved":
		account, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		amount, err := amountAt(len(data) - 1)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "account", addr: account}, field{name: "amount", amount: amount})

	case "subtensorModule.NeuronRegistered":
		account, err := addrAt(len(data) - 1)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "account", addr: account},
			field{name: "netuid", raw: rawAt(data, 0)})

	case "torus0.AgentRegistered":
		account, err := addrAt(0)
		if err != nil {
			return nil, nil, err
		}
		return build(field{name: "account", addr: account})

	case "subtensorModule.NetworkAdded":
		// The event names only the netuid; ownership comes from the signer
		// of the registering extrinsic.
		fields := []field{{name: "netuid", raw: rawAt(data, 0)}}
		if signer != "" {
			fields = append(fields, field{name: "owner", addr: signer})
		}
		return build(fields...)
	}

	// Fallback: carry the raw positional data.
	out, err := json.Marshal(map[string]interface{}{"data": data})
	return out, nil, err
}

func rawAt(data []json.RawMessage, i int) json.RawMessage {
	if i < 0 || i >= len(data) {
		return json.RawMessage("null")
	}
	return data[i]
}

func mustJSON(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}

// asString decodes data[i] as a string, accepting the sidecar's nested
// account object form.
func asString(data []json.RawMessage, i int) (string, error) {
	if i < 0 || i >= len(data) {
		return "", fmt.Errorf("missing data[%d]", i)
	}
	var acct sidecarAccount
	if err := json.Unmarshal(data[i], &acct); err != nil {
		return "", fmt.Errorf("data[%d]: %w", i, err)
	}
	if acct.ID == "" {
		return "", fmt.Errorf("data[%d]: empty value", i)
	}
	return acct.ID, nil
}

// normalizeAddress re-encodes an SS58 address with the network prefix.
// Values that do not decode as SS58 pass through unchanged; some pallets
// emit non-account identifiers in account positions.
func (c *Client) normalizeAddress(addr string) string {
	_, pub, err := subkey.SS58Decode(addr)
	if err != nil {
		return addr
	}
	return subkey.SS58Encode(pub, c.params.SS58Prefix)
}

// publicKey decodes an SS58 address into its raw public key.
func publicKey(addr string) ([]byte, error) {
	_, pub, err := subkey.SS58Decode(addr)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// scaleToNormalized converts a raw chain amount with the given decimals to
// the 18-decimal fixed point used by every projection.
func scaleToNormalized(v *big.Int, decimals uint8) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	if decimals >= constants.NormalizedDecimals {
		return new(big.Int).Set(v)
	}
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(constants.NormalizedDecimals-decimals)), nil)
	return new(big.Int).Mul(v, exp)
}
