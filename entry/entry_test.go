package entry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/entry"
)

func TestLessOrdersByKeyThenTimestampDescending(t *testing.T) {
	a := entry.Entry{Key: "a", Timestamp: 10}
	b := entry.Entry{Key: "b", Timestamp: 1}
	require.True(t, entry.Less(a, b))
	require.False(t, entry.Less(b, a))

	newer := entry.Entry{Key: "x", Timestamp: 20}
	older := entry.Entry{Key: "x", Timestamp: 5}
	require.True(t, entry.Less(newer, older))
	require.False(t, entry.Less(older, newer))
}

func TestCompareKeysByteOrder(t *testing.T) {
	require.Equal(t, -1, entry.CompareKeys("a", "b"))
	require.Equal(t, 0, entry.CompareKeys("a", "a"))
	require.Equal(t, 1, entry.CompareKeys("b", "a"))
}

func TestEstimatedSizeGrowsWithKeyAndValue(t *testing.T) {
	small := entry.EstimatedSize(entry.Entry{Key: "k", Value: []byte("v")})
	large := entry.EstimatedSize(entry.Entry{Key: "k", Value: make([]byte, 1000)})
	require.Less(t, small, large)
}

func TestFooterSizeIsForty(t *testing.T) {
	require.Equal(t, 40, entry.FooterSize)
}
