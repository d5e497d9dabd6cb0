package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/constants"
	"github.com/chainscope/indexer-go/internal/errs"
	"github.com/chainscope/indexer-go/internal/testutil"
	"github.com/chainscope/indexer-go/storage"
)

type fakeChain struct {
	mu       sync.Mutex
	head     uint32
	serveTo  uint32 // highest height the block source serves, 0 = head
	failures int    // FetchBlocks failures to inject
	fetches  int
}

func (f *fakeChain) FinalizedHead(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FetchBlocks(ctx context.Context, start uint32, count int) ([]chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failures > 0 {
		f.failures--
		return nil, errs.Ef(errs.KindChainUnavailable, "test", "upstream down")
	}
	limit := f.head
	if f.serveTo != 0 && f.serveTo < limit {
		limit = f.serveTo
	}
	if start > limit {
		return nil, nil
	}
	if start+uint32(count)-1 > limit {
		count = int(limit-start) + 1
	}
	return testutil.Blocks(start, count), nil
}

type fakeStream struct {
	mu          sync.Mutex
	blocks      map[uint32]chain.Block
	tip         uint32
	hasTip      bool
	checkpoints map[string]uint32
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		blocks:      make(map[uint32]chain.Block),
		checkpoints: make(map[string]uint32),
	}
}

func (f *fakeStream) MaxHeight(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasTip {
		return 0, storage.ErrNotFound
	}
	return f.tip, nil
}

func (f *fakeStream) HasBlock(ctx context.Context, height uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocks[height]
	return ok, nil
}

func (f *fakeStream) Append(ctx context.Context, blocks []chain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		f.blocks[b.Height] = b
		if !f.hasTip || b.Height > f.tip {
			f.tip = b.Height
			f.hasTip = true
		}
	}
	return nil
}

func (f *fakeStream) SetCheckpoint(ctx context.Context, consumer string, height uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[consumer] = height
	return nil
}

func testConfig() *Config {
	return &Config{
		BatchSize:    8,
		ChunkSize:    3,
		NumWorkers:   2,
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
	}
}

func TestFetchRangeOrdersChunks(t *testing.T) {
	client := &fakeChain{head: 100}
	f, err := NewFetcher(client, newFakeStream(), testConfig(), nil, nil)
	require.NoError(t, err)

	blocks, err := f.FetchRange(context.Background(), 10, 21)
	require.NoError(t, err)
	require.Len(t, blocks, 12)
	for i, b := range blocks {
		assert.Equal(t, uint32(10+i), b.Height)
	}
	assert.GreaterOrEqual(t, client.fetches, 4, "range split into chunks")
}

func TestIngestBatchRetriesTransient(t *testing.T) {
	client := &fakeChain{head: 10, failures: 2}
	stream := newFakeStream()
	f, err := NewFetcher(client, stream, testConfig(), nil, nil)
	require.NoError(t, err)

	n, err := f.ingestBatch(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	tip, err := stream.MaxHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(5), tip)
	assert.Equal(t, uint32(5), stream.checkpoints[constants.ConsumerStream])
}

func TestIngestBatchGivesUpAfterMaxRetries(t *testing.T) {
	client := &fakeChain{head: 10, failures: 100}
	f, err := NewFetcher(client, newFakeStream(), testConfig(), nil, nil)
	require.NoError(t, err)

	_, err = f.ingestBatch(context.Background(), 0, 5)
	require.Error(t, err)
	assert.Equal(t, errs.KindChainUnavailable, errs.KindOf(err))
}

func TestNextHeight(t *testing.T) {
	stream := newFakeStream()
	f, err := NewFetcher(&fakeChain{}, stream, testConfig(), nil, nil)
	require.NoError(t, err)

	next, err := f.NextHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next, "empty stream starts at genesis")

	require.NoError(t, stream.Append(context.Background(), testutil.Blocks(0, 4)))
	next, err = f.NextHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), next)
}

func TestRunIngestsToHead(t *testing.T) {
	client := &fakeChain{head: 20}
	stream := newFakeStream()
	f, err := NewFetcher(client, stream, testConfig(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		tip, err := stream.MaxHeight(context.Background())
		return err == nil && tip == 20
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	for h := uint32(0); h <= 20; h++ {
		ok, _ := stream.HasBlock(context.Background(), h)
		assert.True(t, ok, "missing height %d", h)
	}
}

// A block source trailing the finalized head yields short results; the
// fetcher must resume from the last appended height rather than skipping
// the unserved tail.
func TestRunResumesAfterShortResult(t *testing.T) {
	client := &fakeChain{head: 9, serveTo: 5}
	stream := newFakeStream()
	f, err := NewFetcher(client, stream, testConfig(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		tip, err := stream.MaxHeight(context.Background())
		return err == nil && tip == 5
	}, 5*time.Second, 5*time.Millisecond)

	// The source catches up to the head.
	client.mu.Lock()
	client.serveTo = 0
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		tip, err := stream.MaxHeight(context.Background())
		return err == nil && tip == 9
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	for h := uint32(0); h <= 9; h++ {
		ok, _ := stream.HasBlock(context.Background(), h)
		assert.True(t, ok, "missing height %d", h)
	}
	assert.Equal(t, uint32(9), stream.checkpoints[constants.ConsumerStream])
}

func TestFetchRangeTruncatesAtShortChunk(t *testing.T) {
	client := &fakeChain{head: 20, serveTo: 4}
	f, err := NewFetcher(client, newFakeStream(), testConfig(), nil, nil)
	require.NoError(t, err)

	blocks, err := f.FetchRange(context.Background(), 0, 11)
	require.NoError(t, err)
	require.Len(t, blocks, 5, "only the served prefix is returned")
	for i, b := range blocks {
		assert.Equal(t, uint32(i), b.Height)
	}
}

func TestAuditDetectsMissingBlock(t *testing.T) {
	stream := newFakeStream()
	require.NoError(t, stream.Append(context.Background(), testutil.Blocks(0, 20)))

	f, err := NewFetcher(&fakeChain{}, stream, testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.Audit(context.Background()))

	// Corrupt a sampled height.
	stream.mu.Lock()
	delete(stream.blocks, 8)
	stream.mu.Unlock()

	err = f.Audit(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindInvariant, errs.KindOf(err))
}

func TestAuditEmptyStream(t *testing.T) {
	f, err := NewFetcher(&fakeChain{}, newFakeStream(), testConfig(), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, f.Audit(context.Background()))
}
