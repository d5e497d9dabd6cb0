package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscope/indexer-go/chain"
	"github.com/chainscope/indexer-go/internal/errs"
	"github.com/chainscope/indexer-go/internal/testutil"
	"github.com/chainscope/indexer-go/storage"
)

type fakeStream struct {
	mu     sync.Mutex
	blocks []chain.Block
}

func (f *fakeStream) MaxHeight(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blocks) == 0 {
		return 0, storage.ErrNotFound
	}
	return f.blocks[len(f.blocks)-1].Height, nil
}

func (f *fakeStream) Range(ctx context.Context, start, end uint32) ([]chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chain.Block
	for _, b := range f.blocks {
		if b.Height >= start && b.Height <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	heights map[string]uint32
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{heights: make(map[string]uint32)}
}

func (f *fakeCheckpoints) GetCheckpoint(ctx context.Context, consumer string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heights[consumer], nil
}

func (f *fakeCheckpoints) SetCheckpoint(ctx context.Context, consumer string, height uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights[consumer] = height
	return nil
}

// recordingIndexer records processed batch boundaries and signals done when
// target height is reached. failUntil injects retryable failures on the
// first attempts; fatalErr makes every batch fail hard.
type recordingIndexer struct {
	mu       sync.Mutex
	batches  [][2]uint32
	target   uint32
	done     chan struct{}
	doneOnce sync.Once
	failLeft int
	fatalErr error
}

func (r *recordingIndexer) Name() string   { return "test_consumer" }
func (r *recordingIndexer) BatchSize() int { return 4 }

func (r *recordingIndexer) ProcessBatch(ctx context.Context, blocks []chain.Block) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalErr != nil {
		return 0, r.fatalErr
	}
	if r.failLeft > 0 {
		r.failLeft--
		return 0, errs.Ef(errs.KindStorageTransient, "test", "transient failure")
	}
	first := blocks[0].Height
	last := blocks[len(blocks)-1].Height
	r.batches = append(r.batches, [2]uint32{first, last})
	if last >= r.target {
		r.doneOnce.Do(func() { close(r.done) })
	}
	return len(blocks), nil
}

func runtimeFor(t *testing.T, idx *recordingIndexer, stream Stream, chk Checkpoints) *Runtime {
	t.Helper()
	rt, err := NewRuntime(idx, stream, chk, &Config{
		PollInterval:      5 * time.Millisecond,
		MilestoneInterval: 100,
	}, nil, nil)
	require.NoError(t, err)
	return rt
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not reach target height")
	}
}

func TestRuntimeProcessesStreamInBatches(t *testing.T) {
	stream := &fakeStream{blocks: testutil.Blocks(0, 10)}
	chk := newFakeCheckpoints()
	idx := &recordingIndexer{target: 9, done: make(chan struct{})}
	rt := runtimeFor(t, idx, stream, chk)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	waitDone(t, idx.done)
	cancel()
	require.NoError(t, <-errCh)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.NotEmpty(t, idx.batches)
	assert.Equal(t, [2]uint32{0, 3}, idx.batches[0])

	// Contiguous coverage with no overlap.
	next := uint32(0)
	for _, b := range idx.batches {
		assert.Equal(t, next, b[0])
		next = b[1] + 1
	}
	assert.Equal(t, uint32(10), next)

	h, _ := chk.GetCheckpoint(context.Background(), "test_consumer")
	assert.Equal(t, uint32(9), h)
}

func TestRuntimeResumesFromCheckpoint(t *testing.T) {
	stream := &fakeStream{blocks: testutil.Blocks(0, 10)}
	chk := newFakeCheckpoints()
	require.NoError(t, chk.SetCheckpoint(context.Background(), "test_consumer", 5))

	idx := &recordingIndexer{target: 9, done: make(chan struct{})}
	rt := runtimeFor(t, idx, stream, chk)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	waitDone(t, idx.done)
	cancel()
	require.NoError(t, <-errCh)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Equal(t, uint32(6), idx.batches[0][0], "resume starts at checkpoint+1")
}

func TestRuntimeRetriesTransientFailures(t *testing.T) {
	stream := &fakeStream{blocks: testutil.Blocks(0, 4)}
	chk := newFakeCheckpoints()
	idx := &recordingIndexer{target: 3, done: make(chan struct{}), failLeft: 2}
	rt := runtimeFor(t, idx, stream, chk)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	waitDone(t, idx.done)
	cancel()
	require.NoError(t, <-errCh)

	// The same batch was eventually committed exactly once.
	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Equal(t, [2]uint32{0, 3}, idx.batches[0])
}

func TestRuntimeStopsOnFatalError(t *testing.T) {
	stream := &fakeStream{blocks: testutil.Blocks(0, 4)}
	chk := newFakeCheckpoints()
	idx := &recordingIndexer{
		done:     make(chan struct{}),
		fatalErr: errs.Ef(errs.KindChainMalformed, "test", "bad event"),
	}
	rt := runtimeFor(t, idx, stream, chk)

	err := rt.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindChainMalformed, errs.KindOf(err))

	h, _ := chk.GetCheckpoint(context.Background(), "test_consumer")
	assert.Equal(t, uint32(0), h, "no checkpoint on failure")
}

func TestRuntimeWaitsForEmptyStream(t *testing.T) {
	stream := &fakeStream{}
	chk := newFakeCheckpoints()
	idx := &recordingIndexer{done: make(chan struct{})}
	rt := runtimeFor(t, idx, stream, chk)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, rt.Run(ctx))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Empty(t, idx.batches)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, retryDelay(1))
	assert.Equal(t, time.Second, retryDelay(2))
	assert.Equal(t, 2*time.Second, retryDelay(3))
	assert.Equal(t, 30*time.Second, retryDelay(8))
	assert.Equal(t, 30*time.Second, retryDelay(100))
}

func TestNextMilestone(t *testing.T) {
	assert.Equal(t, uint32(100), nextMilestone(0, 100))
	assert.Equal(t, uint32(100), nextMilestone(1, 100))
	assert.Equal(t, uint32(100), nextMilestone(100, 100))
	assert.Equal(t, uint32(200), nextMilestone(101, 100))
}
