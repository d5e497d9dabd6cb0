package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitioner(t *testing.T) {
	p := Partitioner{Size: 4096}

	assert.Equal(t, uint32(0), p.Partition(0))
	assert.Equal(t, uint32(0), p.Partition(4095))
	assert.Equal(t, uint32(1), p.Partition(4096))
	assert.Equal(t, uint32(100), p.Partition(409600))

	start, end := p.Bounds(1)
	assert.Equal(t, uint32(4096), start)
	assert.Equal(t, uint32(8191), end)
}

func TestBlockKeyOrdering(t *testing.T) {
	p := Partitioner{Size: 4096}
	// Keys must sort lexicographically in height order across partitions.
	prev := BlockKey(p, 0)
	for _, h := range []uint32{1, 9, 10, 4095, 4096, 100000, 4294967295} {
		key := BlockKey(p, h)
		assert.Negative(t, bytes.Compare(prev, key), "key for %d should sort after previous", h)
		prev = key
	}
}

func TestParseBlockKey(t *testing.T) {
	p := Partitioner{Size: 4096}

	height, err := ParseBlockKey(BlockKey(p, 123456))
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), height)

	_, err = ParseBlockKey([]byte("/chk/foo"))
	require.Error(t, err)

	_, err = ParseBlockKey([]byte("/blocks/bad"))
	require.Error(t, err)
}

func TestCheckpointKey(t *testing.T) {
	assert.Equal(t, []byte("/chk/money_flow"), CheckpointKey("money_flow"))
}
