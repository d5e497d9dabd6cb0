package transfers

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/columnar"
	"github.com/chainscope/indexer-go/internal/testutil"
)

const (
	addrX = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	addrY = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    []columnar.TransferRow
	ensured map[string]uint32 // contract -> first ensured height
}

func newFakeStore() *fakeStore {
	return &fakeStore{ensured: make(map[string]uint32)}
}

func (f *fakeStore) InsertTransfers(ctx context.Context, rows []columnar.TransferRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeStore) EnsureExists(ctx context.Context, contract, symbol string, height uint32, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ensured[contract]; !ok {
		f.ensured[contract] = height
	}
	return nil
}

func testIndexer(t *testing.T, store Store) *Indexer {
	t.Helper()
	idx, err := New(store, &Config{BatchSize: 100, NativeSymbol: "TOR"}, nil)
	require.NoError(t, err)
	return idx
}

// Sparse activity: transfers only at heights 10 and 20 within 0..99.
func TestProcessBatchSparseTransfers(t *testing.T) {
	store := newFakeStore()
	idx := testIndexer(t, store)

	blocks := testutil.Blocks(0, 100)
	blocks[10] = testutil.Block(10,
		testutil.Transfer(addrX, addrY, big.NewInt(100)),
		testutil.FeePaid(chain.ExtrinsicID(10, 1), addrX, big.NewInt(1)),
	)
	blocks[20] = testutil.Block(20,
		testutil.Transfer(addrX, addrY, big.NewInt(100)),
		testutil.FeePaid(chain.ExtrinsicID(20, 1), addrX, big.NewInt(1)),
	)

	n, err := idx.ProcessBatch(context.Background(), blocks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, store.rows, 2)

	r := store.rows[0]
	assert.Equal(t, chain.ExtrinsicID(10, 1), r.ExtrinsicID)
	assert.Equal(t, "TOR", r.Asset)
	assert.Equal(t, "native", r.AssetContract)
	assert.Equal(t, int64(100), r.Amount.Int64())
	assert.Equal(t, int64(1), r.Fee.Int64())
	assert.Equal(t, uint32(10), r.Height)
	assert.Equal(t, uint32(10), r.Version, "version is the block height")

	assert.Equal(t, uint32(10), store.ensured["native"])
}

func TestProcessBatchSyntheticMovements(t *testing.T) {
	store := newFakeStore()
	idx := testIndexer(t, store)

	blocks := []chain.Block{testutil.Block(5,
		testutil.Stake(addrX, big.NewInt(50), true),
		testutil.Rewarded(addrY, big.NewInt(7)),
	)}

	n, err := idx.ProcessBatch(context.Background(), blocks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byFrom := make(map[string]columnar.TransferRow)
	for _, r := range store.rows {
		byFrom[r.From] = r
	}
	require.Contains(t, byFrom, addrX)
	assert.Equal(t, "system", byFrom[addrX].To)
	require.Contains(t, byFrom, "staking")
	assert.Equal(t, addrY, byFrom["staking"].To)

	// Synthetic rows never carry an extrinsic fee.
	for _, r := range store.rows {
		assert.Nil(t, r.Fee)
	}
}

func TestProcessBatchTokenTransfer(t *testing.T) {
	store := newFakeStore()
	idx := testIndexer(t, store)

	blocks := []chain.Block{testutil.Block(7,
		testutil.AssetTransfer("0xabc", addrX, addrY, big.NewInt(42)),
	)}

	n, err := idx.ProcessBatch(context.Background(), blocks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "0xabc", store.rows[0].AssetContract)
	assert.Equal(t, uint32(7), store.ensured["0xabc"])
}

func TestProcessBatchEmptyBlocks(t *testing.T) {
	store := newFakeStore()
	idx := testIndexer(t, store)

	n, err := idx.ProcessBatch(context.Background(), testutil.Blocks(0, 10))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.rows)
}

func TestProcessBatchSelfTransferWritesRow(t *testing.T) {
	store := newFakeStore()
	idx := testIndexer(t, store)

	blocks := []chain.Block{testutil.Block(3,
		testutil.Transfer(addrX, addrX, big.NewInt(50)),
	)}

	n, err := idx.ProcessBatch(context.Background(), blocks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, addrX, store.rows[0].From)
	assert.Equal(t, addrX, store.rows[0].To)
}
