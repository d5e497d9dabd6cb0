package columnar

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/internal/errs"
)

func TestBuildTransferInsert(t *testing.T) {
	rows := []TransferRow{
		{
			ExtrinsicID: "100-1", EventIdx: 0, Asset: "TOR",
			Height: 100, Timestamp: 1700000000000,
			From: "5A", To: "5B",
			Amount: big.NewInt(1000), Fee: big.NewInt(10),
			AssetContract: "native", Version: 100,
		},
		{
			ExtrinsicID: "100-2", EventIdx: 1, Asset: "TOR",
			Height: 100, Timestamp: 1700000000000,
			From: "5B", To: "5C",
			Amount: nil, Fee: nil,
			AssetContract: "native", Version: 100,
		},
	}

	query, args := buildTransferInsert("torus", rows)

	require.Len(t, args, 2*transferCols)
	assert.Contains(t, query, fmt.Sprintf("$%d", 2*transferCols))
	assert.NotContains(t, query, fmt.Sprintf("$%d", 2*transferCols+1))
	assert.Contains(t, query, "ON CONFLICT (extrinsic_id, event_idx, asset)")
	assert.Contains(t, query, "EXCLUDED.version >= transfers.version")

	// nil big.Ints marshal as zero, never as NULL
	assert.Equal(t, "0", args[transferCols+8])
	assert.Equal(t, "0", args[transferCols+9])
	assert.Equal(t, "torus", args[3])
}

func TestBuildTransferInsertPlaceholderCount(t *testing.T) {
	rows := make([]TransferRow, 5)
	for i := range rows {
		rows[i] = TransferRow{ExtrinsicID: fmt.Sprintf("1-%d", i), Asset: "DOT"}
	}
	query, args := buildTransferInsert("polkadot", rows)
	assert.Len(t, args, 5*transferCols)
	assert.Equal(t, 5*transferCols, strings.Count(query, "$"))
}

func TestDDLChunks(t *testing.T) {
	seen := make(map[string]bool)
	for _, chunk := range ddlChunks {
		assert.NotEmpty(t, chunk.object)
		assert.NotEmpty(t, chunk.stmt)
		assert.False(t, seen[chunk.object], "duplicate object %s", chunk.object)
		seen[chunk.object] = true
		assert.Contains(t, chunk.stmt, chunk.object)
	}
	assert.True(t, seen["transfers"])
	assert.True(t, seen["balance_series"])
	assert.True(t, seen["assets"])
	assert.True(t, seen["transfers_verified"])
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind errs.Kind
	}{
		{"deadline", context.DeadlineExceeded, errs.KindStorageTransient},
		{"bad conn", driver.ErrBadConn, errs.KindStorageTransient},
		{"pq connection class", &pq.Error{Code: "08006"}, errs.KindStorageTransient},
		{"pq resources class", &pq.Error{Code: "53300"}, errs.KindStorageTransient},
		{"pq serialization", &pq.Error{Code: "40001"}, errs.KindStorageTransient},
		{"pq constraint", &pq.Error{Code: "23505"}, errs.KindStorageFatal},
		{"plain error", errors.New("boom"), errs.KindStorageFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, errs.KindOf(classify("op", tc.err)))
		})
	}
	assert.NoError(t, classify("op", nil))
}

func TestValidStatus(t *testing.T) {
	assert.True(t, validStatus(StatusVerified))
	assert.True(t, validStatus(StatusUnknown))
	assert.True(t, validStatus(StatusMalicious))
	assert.False(t, validStatus("flagged"))
	assert.False(t, validStatus(""))
}

func TestBigStr(t *testing.T) {
	assert.Equal(t, "0", bigStr(nil))
	assert.Equal(t, "123456789012345678901234567890", bigStr(mustBig("123456789012345678901234567890")))
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int literal")
	}
	return v
}
