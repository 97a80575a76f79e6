package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/entry"
	"lsmkv/wal"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path)
	require.NoError(t, err)

	entries := []entry.Entry{
		{Key: "a", Value: []byte("1"), Timestamp: 100},
		{Key: "b", Value: []byte("2"), Timestamp: 101},
		{Key: "c", Value: nil, Tombstone: true, Timestamp: 102},
	}
	require.NoError(t, w.Write(entries...))
	require.NoError(t, w.Close())

	got, err := wal.Read(path)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestReadNonexistentFileReturnsEmpty(t *testing.T) {
	got, err := wal.Read(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(
		entry.Entry{Key: "a", Value: []byte("1"), Timestamp: 1},
		entry.Entry{Key: "b", Value: []byte("2"), Timestamp: 2},
	))
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	got, err := wal.Read(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Key)
}

func TestDeleteClosesAndUnlinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(entry.Entry{Key: "a", Value: []byte("1")}))
	require.NoError(t, w.Delete())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	err = w.Write(entry.Entry{Key: "b"})
	require.ErrorIs(t, err, wal.ErrClosed)
}
