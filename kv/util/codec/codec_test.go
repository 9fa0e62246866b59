package codec

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{1, 2, 3},
		{1, 2, 3, 0},
		{1, 2, 3, 4, 5, 6, 7, 8},
		[]byte("a longer key which spans several groups"),
	}
	for _, c := range cases {
		left, decoded, err := DecodeBytes(EncodeBytes(c))
		require.NoError(t, err)
		assert.Empty(t, left)
		assert.Equal(t, c, decoded)
	}
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 247}, EncodeBytes(nil))
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 250}, EncodeBytes([]byte{1, 2, 3}))
}

func TestDecodeBytesRejectsGarbage(t *testing.T) {
	_, _, err := DecodeBytes([]byte{1, 2})
	assert.Error(t, err)
	_, _, err = DecodeBytes([]byte{1, 2, 3, 0, 0, 0, 0, 0, 200})
	assert.Error(t, err)
	_, _, err = DecodeBytes([]byte{1, 2, 3, 9, 0, 0, 0, 0, 250})
	assert.Error(t, err)
}

func TestEncodeKeyOrdersVersionsNewestFirst(t *testing.T) {
	k := []byte("k")
	newer := EncodeKey(k, 20)
	older := EncodeKey(k, 10)
	assert.True(t, bytes.Compare(newer, older) < 0)
	assert.True(t, bytes.Compare(EncodeKey([]byte("j"), 1), older) < 0)

	assert.Equal(t, k, DecodeUserKey(newer))
	assert.Equal(t, uint64(20), DecodeTs(newer))
	assert.Equal(t, uint64(10), DecodeTs(older))
}

func TestInt64KeyOrder(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 1594023712000, math.MaxInt64}
	encoded := make([][]byte, 0, len(values))
	for _, v := range values {
		encoded = append(encoded, EncodeInt64Key(v))
	}
	assert.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
	for i, v := range values {
		got, err := DecodeInt64Key(encoded[i])
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := DecodeInt64Key([]byte{1})
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	key := CacheKey(7, []byte("abc"))
	assert.True(t, bytes.HasPrefix(key, CachePrefix(7)))
	assert.False(t, bytes.HasPrefix(key, CachePrefix(8)))

	id, userKey, err := SplitCacheKey(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, []byte("abc"), userKey)

	_, _, err = SplitCacheKey([]byte{1})
	assert.Error(t, err)
}
