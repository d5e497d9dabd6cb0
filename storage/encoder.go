package storage

import (
	"encoding/json"
	"fmt"

	"github.com/chainscope/indexer-go/chain"
)

// blockRecord is the stored envelope for one block. Version counts
// supersedes of the same height; the first write is version 1.
type blockRecord struct {
	Version uint64      `json:"version"`
	Block   chain.Block `json:"block"`
}

// encodeBlockRecord serializes a block envelope. JSON keeps the stream
// readable by consumers without the ingester code.
func encodeBlockRecord(rec blockRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block %d: %w", rec.Block.Height, err)
	}
	return data, nil
}

// decodeBlockRecord deserializes a stored block envelope.
func decodeBlockRecord(data []byte) (blockRecord, error) {
	var rec blockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return rec, nil
}
