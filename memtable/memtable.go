// Package memtable couples a WAL with the concurrent ordered index,
// enforcing the write-WAL-before-index durability order and the
// one-way read-only transition used during flush handoff.
package memtable

import (
	"sync"

	"github.com/pkg/errors"

	"lsmkv/entry"
	"lsmkv/skiplist"
	"lsmkv/wal"
)

// ErrReadOnly is returned by Set on a memtable past MakeReadOnly.
var ErrReadOnly = errors.New("memtable: read-only")

// Memtable is an in-memory sorted write buffer backed by a WAL.
type Memtable struct {
	index *skiplist.SkipList
	log   *wal.WAL

	// mu serializes writers so the WAL append order equals the order
	// entries become visible in the index, and makes the read-only
	// check atomic with the write: once MakeReadOnly returns, no
	// in-flight Set can still land in the WAL. Readers bypass mu and
	// go straight to the index.
	mu       sync.RWMutex
	readOnly bool
}

// New opens a fresh WAL at walPath and returns an empty, writable
// memtable.
func New(walPath string) (*Memtable, error) {
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, errors.Wrap(err, "memtable: open wal")
	}
	return &Memtable{
		index: skiplist.New(),
		log:   w,
	}, nil
}

// Recover replays the memtable's own WAL into its index. Callers use
// this for memtables reconstructed from a pre-existing WAL file found
// during startup recovery.
func (m *Memtable) Recover() error {
	entries, err := wal.Read(m.log.Path())
	if err != nil {
		return errors.Wrap(err, "memtable: recover")
	}
	for _, e := range entries {
		m.index.Upsert(e)
	}
	return nil
}

// Set requires the memtable not be read-only. It writes to the WAL
// first (the durability gate) and only upserts into the index after
// the WAL write succeeds, so any WAL failure surfaces before the
// index is mutated.
func (m *Memtable) Set(e entry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.log.Write(e); err != nil {
		return errors.Wrap(err, "memtable: set")
	}
	m.index.Upsert(e)
	return nil
}

// Get returns the entry stored for key, if any, including tombstones.
func (m *Memtable) Get(key string) (entry.Entry, bool) {
	return m.index.Get(key)
}

// Size returns the accounted byte-cost estimate of the index's
// contents, used by the façade's flush threshold.
func (m *Memtable) Size() int {
	return m.index.AccountedSize()
}

// IsEmpty reports whether the memtable holds no entries.
func (m *Memtable) IsEmpty() bool {
	return m.index.IsEmpty()
}

// Drain returns every entry in ascending key order, for building a
// flushed SSTable.
func (m *Memtable) Drain() []entry.Entry {
	return m.index.Scan()
}

// MakeReadOnly is idempotent and one-way: once called, Set always
// returns ErrReadOnly, and any Set already in flight has fully landed
// in both the WAL and the index by the time this returns.
func (m *Memtable) MakeReadOnly() {
	m.mu.Lock()
	m.readOnly = true
	m.mu.Unlock()
}

// IsReadOnly reports whether MakeReadOnly has been called.
func (m *Memtable) IsReadOnly() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readOnly
}

// DeleteWAL deletes the memtable's WAL file. The façade calls this
// only after the memtable's contents are durably published as an
// SSTable.
func (m *Memtable) DeleteWAL() error {
	return m.log.Delete()
}

// WALPath returns the path of the memtable's WAL file.
func (m *Memtable) WALPath() string {
	return m.log.Path()
}

// Close closes the WAL file handle without deleting it, used when
// disposing a memtable whose WAL has already been deleted or whose
// disposal does not imply flush (e.g. best-effort shutdown cleanup).
func (m *Memtable) Close() error {
	return m.log.Close()
}
