package skiplist_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/entry"
	"lsmkv/skiplist"
)

func TestUpsertAndGet(t *testing.T) {
	s := skiplist.New()
	s.Upsert(entry.Entry{Key: "b", Value: []byte("2")})
	s.Upsert(entry.Entry{Key: "a", Value: []byte("1")})
	s.Upsert(entry.Entry{Key: "c", Value: []byte("3")})

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(v.Value))
	require.Equal(t, 3, s.Size())
}

func TestUpsertReplacesExistingAndAdjustsSize(t *testing.T) {
	s := skiplist.New()
	s.Upsert(entry.Entry{Key: "a", Value: []byte("short")})
	before := s.AccountedSize()

	s.Upsert(entry.Entry{Key: "a", Value: []byte("a much longer value")})
	after := s.AccountedSize()

	require.Equal(t, 1, s.Size())
	require.Greater(t, after, before)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "a much longer value", string(v.Value))
}

func TestScanReturnsAscendingOrder(t *testing.T) {
	s := skiplist.New()
	for _, k := range []string{"d", "b", "a", "c"} {
		s.Upsert(entry.Entry{Key: k})
	}

	var keys []string
	for _, e := range s.Scan() {
		keys = append(keys, e.Key)
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestGetMissingKey(t *testing.T) {
	s := skiplist.New()
	_, ok := s.Get("missing")
	require.False(t, ok)
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	s := skiplist.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Upsert(entry.Entry{Key: "x", Value: []byte(fmt.Sprintf("u%d", i)), Timestamp: int64(i)})
		}(i)
	}
	wg.Wait()

	v, ok := s.Get("x")
	require.True(t, ok)
	require.Regexp(t, `^u\d+$`, string(v.Value))
}

func TestIsEmpty(t *testing.T) {
	s := skiplist.New()
	require.True(t, s.IsEmpty())
	s.Upsert(entry.Entry{Key: "a"})
	require.False(t, s.IsEmpty())
}
