package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes for the canonical store
const (
	prefixBlocks      = "/blocks/"
	prefixCheckpoints = "/chk/"
	keyMaxHeight      = "/meta/max"
)

// Partitioner maps heights to partitions. The same mapping is shared by all
// height-partitioned stores so retention can prune coordinated ranges.
type Partitioner struct {
	Size uint32
}

// Partition returns the partition index for a height.
func (p Partitioner) Partition(height uint32) uint32 {
	if p.Size == 0 {
		return 0
	}
	return height / p.Size
}

// Bounds returns the inclusive height range covered by a partition.
func (p Partitioner) Bounds(partition uint32) (uint32, uint32) {
	if p.Size == 0 {
		return 0, ^uint32(0)
	}
	start := partition * p.Size
	return start, start + p.Size - 1
}

// MaxHeightKey returns the key holding the highest stored height.
func MaxHeightKey() []byte {
	return []byte(keyMaxHeight)
}

// BlockKey returns the key for a block record.
// Format: /blocks/{partition}/{height}, zero-padded for lexicographic order.
func BlockKey(p Partitioner, height uint32) []byte {
	return []byte(fmt.Sprintf("%s%08d/%010d", prefixBlocks, p.Partition(height), height))
}

// CheckpointKey returns the key for a consumer checkpoint.
// Format: /chk/{consumer}
func CheckpointKey(consumer string) []byte {
	return []byte(prefixCheckpoints + consumer)
}

// ParseBlockKey parses a block key and returns the height.
func ParseBlockKey(key []byte) (uint32, error) {
	keyStr := string(key)
	if !strings.HasPrefix(keyStr, prefixBlocks) {
		return 0, fmt.Errorf("invalid block key prefix: %s", keyStr)
	}
	parts := strings.Split(strings.TrimPrefix(keyStr, prefixBlocks), "/")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid block key format: %s", keyStr)
	}
	height, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid block key height: %w", err)
	}
	return uint32(height), nil
}
