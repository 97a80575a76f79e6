package lsmkv

import (
	"github.com/pkg/errors"

	"lsmkv/memtable"
	"lsmkv/sstable"
)

// Sentinel errors for the closed set of expected failure kinds. Test
// with errors.Is; wrapped variants carry path and operation context.
var (
	// ErrClosed is returned by any operation on an engine after
	// Close has begun.
	ErrClosed = errors.New("lsmkv: closed")

	// ErrBadKey is returned for an empty key or one longer than
	// entry.MaxKeyLen.
	ErrBadKey = errors.New("lsmkv: invalid key")

	// ErrConflict marks a write that reached a read-only (frozen)
	// memtable. The engine retries the flush-handoff race
	// internally, so seeing this from the public API indicates an
	// invariant violation rather than an expected condition.
	ErrConflict = memtable.ErrReadOnly

	// ErrCorruption marks a structurally invalid SSTable: a bad
	// footer magic, a truncated block, a checksum mismatch, or a
	// payload the configured codec cannot decode. Recovery skips
	// corrupt files and a point lookup logs one and reports a miss.
	// Compaction skips a corrupt input table, except the source table
	// of an Li->Li+1 merge, whose error it returns; Flush returns it
	// when the table it just built does not open.
	ErrCorruption = sstable.ErrCorrupt
)
