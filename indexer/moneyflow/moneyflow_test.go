package moneyflow

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/graph"
	"github.com/chainscope/indexer-go/indexer"
	"github.com/chainscope/indexer-go/internal/testutil"
)

const (
	addrX = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	addrY = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

func testGraph(t *testing.T) *graph.Store {
	t.Helper()
	store, err := graph.Open(&graph.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testIndexer(t *testing.T, g Graph) *Indexer {
	t.Helper()
	idx, err := New(g, &Config{
		BatchSize:            100,
		NativeSymbol:         "TOR",
		AnalyticsEveryBlocks: 1000,
	}, nil)
	require.NoError(t, err)
	return idx
}

func TestProcessBatchBuildsGraph(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	blocks := []chain.Block{
		testutil.Block(10, testutil.Transfer(addrX, addrY, big.NewInt(100))),
		testutil.Block(11, testutil.Transfer(addrX, addrY, big.NewInt(50))),
	}

	n, err := idx.ProcessBatch(ctx, blocks)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	edge, err := g.Edge(ctx, addrX, addrY, "TOR")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, uint64(2), edge.TransferCount)
	assert.Equal(t, "150", edge.TotalAmount)

	node, err := g.Node(ctx, addrX)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, uint64(2), node.TransferCount)
	assert.Equal(t, uint64(1), node.UniqueReceivers)
	assert.Equal(t, uint64(1), node.NeighborCount)
}

func TestProcessBatchSelfTransfer(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	_, err := idx.ProcessBatch(ctx, []chain.Block{
		testutil.Block(5, testutil.Transfer(addrX, addrX, big.NewInt(10))),
	})
	require.NoError(t, err)

	edge, err := g.Edge(ctx, addrX, addrX, "TOR")
	require.NoError(t, err)
	assert.Nil(t, edge, "self-transfers create no edge")

	node, err := g.Node(ctx, addrX)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, uint64(1), node.TransferCount)
	assert.Zero(t, node.UniqueSenders)
	assert.Zero(t, node.NeighborCount)
}

func TestProcessBatchSyntheticLabels(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	_, err := idx.ProcessBatch(ctx, []chain.Block{
		testutil.Block(7,
			testutil.Stake(addrX, big.NewInt(10), true),
			testutil.TreasuryAward(addrY, big.NewInt(3)),
		),
	})
	require.NoError(t, err)

	labels, err := g.Labels(ctx, indexer.CounterpartySystem)
	require.NoError(t, err)
	assert.Contains(t, labels, graph.LabelSystem)

	labels, err = g.Labels(ctx, indexer.CounterpartyTreasury)
	require.NoError(t, err)
	assert.Contains(t, labels, graph.LabelTreasury)
}

func TestProcessBatchEndowmentTouch(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	attrs := []byte(`{"account":"` + addrX + `","free_balance":"25"}`)
	block := testutil.Block(9, chain.Event{
		Module: "balances", Name: "Endowed", Attributes: attrs,
	})

	n, err := idx.ProcessBatch(ctx, []chain.Block{block})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	node, err := g.Node(ctx, addrX)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Zero(t, node.TransferCount, "endowments touch the node without counting a transfer")
}

func TestProcessBatchRegistrationLabels(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	agentAttrs := []byte(`{"account":"` + addrX + `"}`)
	subnetAttrs := []byte(`{"owner":"` + addrY + `","netuid":3}`)
	blocks := []chain.Block{
		testutil.Block(12,
			chain.Event{Module: "torus0", Name: "AgentRegistered", Attributes: agentAttrs},
			chain.Event{Module: "subtensorModule", Name: "NetworkAdded", Attributes: subnetAttrs},
		),
	}

	_, err := idx.ProcessBatch(ctx, blocks)
	require.NoError(t, err)

	labels, err := g.Labels(ctx, addrX)
	require.NoError(t, err)
	assert.Contains(t, labels, graph.LabelAgent)

	rels, err := g.Relations(ctx, graph.RelOwnsSubnet)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, [2]string{addrY, "subnet:3"}, rels[0])
}

func TestProcessBatchAnalyticsCadence(t *testing.T) {
	g := testGraph(t)
	idx, err := New(g, &Config{
		BatchSize:            100,
		NativeSymbol:         "TOR",
		AnalyticsEveryBlocks: 2,
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = idx.ProcessBatch(ctx, []chain.Block{
		testutil.Block(1, testutil.Transfer(addrX, addrY, big.NewInt(5))),
		testutil.Block(2),
	})
	require.NoError(t, err)
	assert.Zero(t, idx.sinceAnalytics, "cadence reached, counter reset")

	emb, err := g.Embedding(ctx, addrX)
	require.NoError(t, err)
	require.Len(t, emb, 6)
	assert.Positive(t, emb[4], "community assigned by the analytics pass")
}

func TestProcessBatchReplayIdempotent(t *testing.T) {
	g := testGraph(t)
	idx := testIndexer(t, g)
	ctx := context.Background()

	blocks := []chain.Block{
		testutil.Block(10, testutil.Transfer(addrX, addrY, big.NewInt(100))),
	}

	_, err := idx.ProcessBatch(ctx, blocks)
	require.NoError(t, err)
	_, err = idx.ProcessBatch(ctx, blocks)
	require.NoError(t, err)

	edge, err := g.Edge(ctx, addrX, addrY, "TOR")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, uint64(1), edge.TransferCount)
}
