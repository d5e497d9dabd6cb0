package chain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(module, name, attrs string) Event {
	return Event{
		ID:         "10-0",
		Module:     module,
		Name:       name,
		Attributes: json.RawMessage(attrs),
	}
}

func TestDecodeTransfer(t *testing.T) {
	out, err := DecodeTransfer(ev("balances", "Transfer", `{"from":"5A","to":"5B","amount":"250"}`))
	require.NoError(t, err)
	assert.Equal(t, "5A", out.From)
	assert.Equal(t, "5B", out.To)
	assert.Equal(t, "250", out.Amount.String())
}

func TestDecodeTransferMissingEndpoints(t *testing.T) {
	_, err := DecodeTransfer(ev("balances", "Transfer", `{"amount":"250"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing endpoints")
}

func TestDecodeTransferNoAttributes(t *testing.T) {
	_, err := DecodeTransfer(Event{ID: "10-0", Module: "balances", Name: "Transfer"})
	require.Error(t, err)
}

func TestDecodeAssetTransfer(t *testing.T) {
	out, err := DecodeAssetTransfer(ev("assets", "Transferred",
		`{"asset_id":"0xabc","from":"5A","to":"5B","amount":1000}`))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", out.Contract)
	assert.Equal(t, "1000", out.Amount.String())
}

func TestDecodeStake(t *testing.T) {
	out, err := DecodeStake(ev("SubtensorModule", "StakeAdded", `{"account":"5A","amount":"77"}`), true)
	require.NoError(t, err)
	assert.True(t, out.Added)
	assert.Equal(t, "5A", out.Account)
	assert.Equal(t, "77", out.Amount.String())
}

func TestDecodeRewarded(t *testing.T) {
	out, err := DecodeRewarded(ev("staking", "Rewarded", `{"stash":"5S","amount":"9"}`))
	require.NoError(t, err)
	assert.Equal(t, "5S", out.Stash)
}

func TestDecodeTreasuryAwarded(t *testing.T) {
	out, err := DecodeTreasuryAwarded(ev("treasury", "Awarded", `{"account":"5R","award":"1234"}`))
	require.NoError(t, err)
	assert.Equal(t, "5R", out.Recipient)
	assert.Equal(t, "1234", out.Amount.String())
}

func TestDecodeSubnetCreated(t *testing.T) {
	out, err := DecodeSubnetCreated(ev("SubtensorModule", "NetworkAdded", `{"owner":"5O","netuid":12}`))
	require.NoError(t, err)
	assert.Equal(t, "5O", out.Owner)
	assert.Equal(t, uint16(12), out.Netuid)
}
