package graph

import (
	"context"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two disjoint clusters: A<->B trade heavily, C->D once.
func seedTwoClusters(t *testing.T, s *Store) {
	t.Helper()
	err := s.ApplyTransfers(context.Background(), []Transfer{
		{From: addrA, To: addrB, Asset: "TOR", Amount: big.NewInt(10), Height: 1},
		{From: addrB, To: addrA, Asset: "TOR", Amount: big.NewInt(5), Height: 2},
		{From: addrC, To: addrD, Asset: "TOR", Amount: big.NewInt(3), Height: 3},
	})
	require.NoError(t, err)
}

func TestAnalyticsCommunities(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedTwoClusters(t, s)

	require.NoError(t, s.RunAnalytics(ctx))

	a, _ := s.Node(ctx, addrA)
	b, _ := s.Node(ctx, addrB)
	c, _ := s.Node(ctx, addrC)
	d, _ := s.Node(ctx, addrD)

	assert.Equal(t, a.CommunityID, b.CommunityID)
	assert.Equal(t, c.CommunityID, d.CommunityID)
	assert.NotEqual(t, a.CommunityID, c.CommunityID)
	assert.NotZero(t, a.CommunityID)

	comms, err := s.Communities(ctx)
	require.NoError(t, err)
	require.Len(t, comms, 2)
	assert.Equal(t, uint32(1), comms[0].ID)
	assert.Equal(t, 2, comms[0].Size)
	assert.Equal(t, 2, comms[1].Size)
}

func TestAnalyticsPageRankSumsPerCommunity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedTwoClusters(t, s)

	require.NoError(t, s.RunAnalytics(ctx))

	sums := make(map[uint32]float64)
	require.NoError(t, s.forEachNode(func(n Node) error {
		sums[n.CommunityID] += n.PageRank
		return nil
	}))
	require.Len(t, sums, 2)
	for id, sum := range sums {
		assert.InDelta(t, 1.0, sum, 1e-9, "community %d", id)
	}
}

func TestAnalyticsDeterministic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedTwoClusters(t, s)

	require.NoError(t, s.RunAnalytics(ctx))
	first := make(map[string]Node)
	require.NoError(t, s.forEachNode(func(n Node) error {
		first[n.Address] = n
		return nil
	}))

	require.NoError(t, s.RunAnalytics(ctx))
	require.NoError(t, s.forEachNode(func(n Node) error {
		prev := first[n.Address]
		assert.Equal(t, prev.CommunityID, n.CommunityID)
		assert.False(t, math.IsNaN(n.PageRank))
		assert.InDelta(t, prev.PageRank, n.PageRank, 1e-12)
		return nil
	}))
}

func TestAnalyticsEmbeddings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedTwoClusters(t, s)

	emb, err := s.Embedding(ctx, addrA)
	require.NoError(t, err)
	assert.Nil(t, emb, "no embedding before the first analytics pass")

	require.NoError(t, s.RunAnalytics(ctx))

	emb, err = s.Embedding(ctx, addrA)
	require.NoError(t, err)
	require.Len(t, emb, 6)

	a, _ := s.Node(ctx, addrA)
	assert.Equal(t, float64(a.TransferCount), emb[0])
	assert.Equal(t, float64(a.UniqueSenders), emb[1])
	assert.Equal(t, float64(a.UniqueReceivers), emb[2])
	assert.Equal(t, float64(a.NeighborCount), emb[3])
	assert.Equal(t, float64(a.CommunityID), emb[4])
	assert.Equal(t, a.PageRank, emb[5])
}

func TestAnalyticsEmptyGraph(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.RunAnalytics(context.Background()))
}

func TestPropagateLabelsIsolatedNode(t *testing.T) {
	label := propagateLabels([]string{"a", "b", "c"}, map[string][]string{
		"a": {"b"}, "b": {"a"},
	})
	assert.Equal(t, label["a"], label["b"])
	assert.Equal(t, "c", label["c"])
}
