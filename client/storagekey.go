package client

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Substrate storage keys are built from hashed pallet and item names plus a
// hashed map key: twox128(pallet) ++ twox128(item) ++ hasher(key). Both the
// System.Account map and the stake maps this client reads use
// blake2_128_concat for the key hasher.

// twox128 is xxhash64(seed=0) ++ xxhash64(seed=1), little-endian.
func twox128(data []byte) []byte {
	out := make([]byte, 16)
	for seed := uint64(0); seed < 2; seed++ {
		d := xxhash.NewWithSeed(seed)
		_, _ = d.Write(data)
		binary.LittleEndian.PutUint64(out[seed*8:], d.Sum64())
	}
	return out
}

// blake2b128Concat is blake2b-128(key) ++ key.
func blake2b128Concat(key []byte) []byte {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write(key)
	return append(h.Sum(nil), key...)
}

// mapStorageKey builds the hex storage key for one entry of a
// blake2_128_concat storage map.
func mapStorageKey(pallet, item string, key []byte) string {
	buf := make([]byte, 0, 32+16+len(key))
	buf = append(buf, twox128([]byte(pallet))...)
	buf = append(buf, twox128([]byte(item))...)
	buf = append(buf, blake2b128Concat(key)...)
	return "0x" + hex.EncodeToString(buf)
}

// accountStorageKey builds the System.Account key for a public key.
func accountStorageKey(pub []byte) string {
	return mapStorageKey("System", "Account", pub)
}

// accountInfo is the decoded frame_system AccountInfo record. Balances are
// raw chain units; the caller applies decimal normalization.
type accountInfo struct {
	Nonce    uint32
	Free     *big.Int
	Reserved *big.Int
}

// decodeAccountInfo decodes a SCALE-encoded AccountInfo<Index, AccountData>
// value: four u32 counters followed by four u128 balances (free, reserved,
// frozen, flags), all little-endian.
func decodeAccountInfo(hexValue string) (*accountInfo, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexValue, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad storage hex: %w", err)
	}
	// 4*u32 + at least free and reserved u128s.
	if len(raw) < 16+32 {
		return nil, fmt.Errorf("account info too short: %d bytes", len(raw))
	}
	return &accountInfo{
		Nonce:    binary.LittleEndian.Uint32(raw[0:4]),
		Free:     leU128(raw[16:32]),
		Reserved: leU128(raw[32:48]),
	}, nil
}

// decodeBalanceValue decodes a plain balance storage value, accepting the
// u64 and u128 widths used by the stake maps across networks.
func decodeBalanceValue(hexValue string) (*big.Int, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexValue, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad storage hex: %w", err)
	}
	switch len(raw) {
	case 8:
		return new(big.Int).SetUint64(binary.LittleEndian.Uint64(raw)), nil
	case 16:
		return leU128(raw), nil
	default:
		return nil, fmt.Errorf("unexpected balance width: %d bytes", len(raw))
	}
}

// leU128 decodes a little-endian u128 into a big.Int.
func leU128(b []byte) *big.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = b[15-i]
	}
	return new(big.Int).SetBytes(be)
}
