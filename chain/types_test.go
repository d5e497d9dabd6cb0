package chain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"decimal string", `"1000000000000000000"`, "1000000000000000000", false},
		{"number", `42`, "42", false},
		{"hex string", `"0x0de0b6b3a7640000"`, "1000000000000000000", false},
		{"zero", `"0"`, "0", false},
		{"null", `null`, "0", false},
		{"empty string", `""`, "0", false},
		{"negative", `"-5"`, "", true},
		{"garbage", `"12abc"`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Amount
			err := json.Unmarshal([]byte(tt.input), &a)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
		})
	}
}

func TestAmountMarshal(t *testing.T) {
	data, err := json.Marshal(NewAmount(big.NewInt(12345)))
	require.NoError(t, err)
	assert.Equal(t, `"12345"`, string(data))

	data, err = json.Marshal(Amount{})
	require.NoError(t, err)
	assert.Equal(t, `"0"`, string(data))
}

func TestBalanceTripleTotal(t *testing.T) {
	b := BalanceTriple{
		Free:     big.NewInt(100),
		Reserved: big.NewInt(20),
		Staked:   big.NewInt(30),
	}
	assert.Equal(t, int64(150), b.Total().Int64())

	// Nil components count as zero.
	assert.Equal(t, int64(100), BalanceTriple{Free: big.NewInt(100)}.Total().Int64())
	assert.Equal(t, int64(0), BalanceTriple{}.Total().Int64())
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "42-3", ExtrinsicID(42, 3))
	assert.Equal(t, "42-0", EventID(42, 0))
}

func TestBlockJSONRoundTrip(t *testing.T) {
	b := Block{
		Height:    7,
		Hash:      "0xabc",
		Timestamp: 1700000000000,
		Extrinsics: []Extrinsic{
			{ID: "7-0", Hash: "0x01", Module: "timestamp", Function: "set", Success: true},
			{ID: "7-1", Hash: "0x02", Signer: "5Alice", Module: "balances", Function: "transfer", Success: true},
		},
		Addresses: []string{"5Alice", "5Bob"},
		Events: []Event{
			{ID: "7-0", ExtrinsicID: "7-1", Module: "balances", Name: "Transfer",
				Attributes: json.RawMessage(`{"from":"5Alice","to":"5Bob","amount":"100"}`)},
		},
	}

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var got Block
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, b.Height, got.Height)
	assert.Equal(t, b.Addresses, got.Addresses)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "balances.Transfer", got.Events[0].Kind())

	// Consumers tolerate unknown fields.
	var withExtra Block
	require.NoError(t, json.Unmarshal([]byte(`{"height":1,"hash":"0x1","future_field":true}`), &withExtra))
	assert.Equal(t, uint32(1), withExtra.Height)
}
