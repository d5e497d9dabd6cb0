package client

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwox128KnownVectors(t *testing.T) {
	// Well-known pallet prefix hashes used across the Substrate ecosystem.
	assert.Equal(t, "26aa394eea5630e07c48ae0c9558cef7", hex.EncodeToString(twox128([]byte("System"))))
	assert.Equal(t, "b99d880ec681799c0cf30e8886371da9", hex.EncodeToString(twox128([]byte("Account"))))
}

func TestAccountStorageKeyPrefix(t *testing.T) {
	pub := make([]byte, 32)
	pub[31] = 1
	key := accountStorageKey(pub)

	require.True(t, strings.HasPrefix(key, "0x26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9"))
	// blake2_128_concat appends the raw key after its 16-byte hash.
	require.True(t, strings.HasSuffix(key, hex.EncodeToString(pub)))
	// 0x + 16 prefix + 16 item + 16 hash + 32 key bytes.
	assert.Len(t, key, 2+2*(16+16+16+32))
}

func TestMapStorageKeyDiffersPerKey(t *testing.T) {
	a := mapStorageKey("SubtensorModule", "TotalColdkeyStake", []byte{1})
	b := mapStorageKey("SubtensorModule", "TotalColdkeyStake", []byte{2})
	assert.NotEqual(t, a, b)
	// Same map prefix for both keys.
	assert.Equal(t, a[:2+2*32], b[:2+2*32])
}

func TestDecodeAccountInfo(t *testing.T) {
	// nonce=5, consumers/providers/sufficients zero, free=1000, reserved=7,
	// frozen and flags zero.
	raw := make([]byte, 16+64)
	raw[0] = 5
	raw[16] = 0xe8 // 1000 = 0x03e8 little-endian
	raw[17] = 0x03
	raw[32] = 7

	info, err := decodeAccountInfo("0x" + hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), info.Nonce)
	assert.Equal(t, int64(1000), info.Free.Int64())
	assert.Equal(t, int64(7), info.Reserved.Int64())
}

func TestDecodeAccountInfoTooShort(t *testing.T) {
	_, err := decodeAccountInfo("0x0102")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestDecodeBalanceValue(t *testing.T) {
	u64 := make([]byte, 8)
	u64[0] = 42
	v, err := decodeBalanceValue("0x" + hex.EncodeToString(u64))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())

	u128 := make([]byte, 16)
	u128[8] = 1 // 2^64
	v, err = decodeBalanceValue("0x" + hex.EncodeToString(u128))
	require.NoError(t, err)
	want := new(big.Int).Lsh(big.NewInt(1), 64)
	assert.Equal(t, 0, v.Cmp(want))

	_, err = decodeBalanceValue("0x0102030405")
	require.Error(t, err)
}

func TestLeU128(t *testing.T) {
	b := make([]byte, 16)
	b[0] = 0xff
	assert.Equal(t, int64(255), leU128(b).Int64())
}
