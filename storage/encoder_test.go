package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/chain"
)

func TestBlockRecordRoundTrip(t *testing.T) {
	rec := blockRecord{
		Version: 3,
		Block: chain.Block{
			Height:    42,
			Hash:      "0xabc",
			Timestamp: 1700000000000,
			Addresses: []string{"5A", "5B"},
			Events: []chain.Event{
				{ID: "42-0", Module: "balances", Name: "Transfer",
					Attributes: json.RawMessage(`{"from":"5A","to":"5B","amount":"1"}`)},
			},
		},
	}

	data, err := encodeBlockRecord(rec)
	require.NoError(t, err)

	got, err := decodeBlockRecord(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, rec.Block.Height, got.Block.Height)
	assert.Equal(t, rec.Block.Addresses, got.Block.Addresses)
	require.Len(t, got.Block.Events, 1)
	assert.Equal(t, "balances.Transfer", got.Block.Events[0].Kind())
}

func TestDecodeBlockRecordInvalid(t *testing.T) {
	_, err := decodeBlockRecord([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidData)
}
