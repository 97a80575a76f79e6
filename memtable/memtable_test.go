package memtable_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/entry"
	"lsmkv/memtable"
)

func TestSetThenGet(t *testing.T) {
	dir := t.TempDir()
	m, err := memtable.New(filepath.Join(dir, "a.wal"))
	require.NoError(t, err)

	require.NoError(t, m.Set(entry.Entry{Key: "a", Value: []byte("1"), Timestamp: 1}))
	got, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(got.Value))
}

func TestSetOnReadOnlyMemtableFails(t *testing.T) {
	dir := t.TempDir()
	m, err := memtable.New(filepath.Join(dir, "a.wal"))
	require.NoError(t, err)

	m.MakeReadOnly()
	err = m.Set(entry.Entry{Key: "a"})
	require.ErrorIs(t, err, memtable.ErrReadOnly)
}

func TestMakeReadOnlyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m, err := memtable.New(filepath.Join(dir, "a.wal"))
	require.NoError(t, err)

	m.MakeReadOnly()
	m.MakeReadOnly()
	require.True(t, m.IsReadOnly())
}

func TestRecoverReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "a.wal")

	m, err := memtable.New(walPath)
	require.NoError(t, err)
	require.NoError(t, m.Set(entry.Entry{Key: "a", Value: []byte("1"), Timestamp: 1}))
	require.NoError(t, m.Set(entry.Entry{Key: "b", Value: []byte("2"), Timestamp: 2}))
	require.NoError(t, m.Close())

	m2, err := memtable.New(walPath)
	require.NoError(t, err)
	require.NoError(t, m2.Recover())

	got, ok := m2.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", string(got.Value))
	require.Equal(t, 2, len(m2.Drain()))
}

func TestDrainIsSortedByKey(t *testing.T) {
	dir := t.TempDir()
	m, err := memtable.New(filepath.Join(dir, "a.wal"))
	require.NoError(t, err)

	for _, k := range []string{"z", "a", "m"} {
		require.NoError(t, m.Set(entry.Entry{Key: k}))
	}

	drained := m.Drain()
	require.Equal(t, "a", drained[0].Key)
	require.Equal(t, "m", drained[1].Key)
	require.Equal(t, "z", drained[2].Key)
}

func TestDeleteWALRemovesFile(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "a.wal")
	m, err := memtable.New(walPath)
	require.NoError(t, err)
	require.NoError(t, m.Set(entry.Entry{Key: "a"}))
	require.NoError(t, m.DeleteWAL())

	_, err = os.Stat(walPath)
	require.True(t, os.IsNotExist(err))
}
