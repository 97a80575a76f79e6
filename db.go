// Package lsmkv is an embedded, disk-backed ordered key-value store
// built as a log-structured merge tree: writes land in a WAL-backed
// memtable, flushes produce immutable SSTables, and a leveled
// compactor keeps point-lookup I/O bounded.
package lsmkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"lsmkv/cache"
	"lsmkv/entry"
	"lsmkv/level"
	"lsmkv/memtable"
	"lsmkv/sstable"
)

const levelsDirName = "levels"

// DB is an engine handle. All methods are safe for concurrent use.
type DB struct {
	dir  string
	opts Options
	log  zerolog.Logger

	blockCache *cache.Cache
	levels     *level.Manager

	// mu guards the active/flushing handoff and the closed flag.
	// The only disk I/O under it is Flush opening the next WAL file.
	mu       sync.Mutex
	active   *memtable.Memtable
	flushing *memtable.Memtable
	closed   bool

	// flushSem serializes Flush admission so concurrent Flush calls
	// run one at a time, each seeing the previous one's handoff.
	flushSem *semaphore.Weighted

	wg sync.WaitGroup
}

// Open creates or reopens the store rooted at dir. Recovery registers
// every readable SSTable under dir/levels, then replays any leftover
// WAL files into L0 tables so acknowledged writes from a crashed run
// are visible again.
func Open(dir string, options ...Option) (*DB, error) {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "lsmkv: create dir %s", dir)
	}

	log := opts.Logger.With().Str("dir", dir).Logger()
	blockCache := cache.New(opts.BlockCacheBytes)

	policy := level.Policy{
		L0CompactionTrigger: opts.L0CompactionTrigger,
		LevelRatio:          opts.LevelRatio,
		MaxLevels:           opts.MaxLevels,
		DataBlockSize:       opts.DataBlockSizeBytes,
		BloomFPR:            opts.BloomFPR,
		Codec:               string(opts.Compression),
	}
	levels, err := level.New(filepath.Join(dir, levelsDirName), policy, blockCache, log)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dir:        dir,
		opts:       opts,
		log:        log,
		blockCache: blockCache,
		levels:     levels,
		flushSem:   semaphore.NewWeighted(1),
	}

	// Existing tables first: WAL contents are newer than anything
	// already on disk, so the L0 tables they produce must be
	// appended after recovery has registered the old membership.
	if err := levels.RecoverFromManifest(); err != nil {
		return nil, err
	}
	if err := db.recoverWALs(); err != nil {
		return nil, err
	}

	db.active, err = memtable.New(db.newWALPath())
	if err != nil {
		return nil, err
	}

	return db, nil
}

func (db *DB) newWALPath() string {
	return filepath.Join(db.dir, fmt.Sprintf("wal_%s.wal", uuid.New().String()))
}

func (db *DB) newL0TablePath() string {
	name := fmt.Sprintf("L0_%d_%s.sst", time.Now().UnixMilli(), uuid.New().String()[:8])
	return filepath.Join(db.dir, levelsDirName, name)
}

func (db *DB) sstableConfig() sstable.Config {
	return sstable.Config{
		DataBlockSize: db.opts.DataBlockSizeBytes,
		BloomFPR:      db.opts.BloomFPR,
		Codec:         string(db.opts.Compression),
	}
}

// recoverWALs replays every *.wal left in the directory, writes each
// non-empty one out as an L0 table, and deletes the WAL only after
// the table is registered.
func (db *DB) recoverWALs() error {
	matches, err := filepath.Glob(filepath.Join(db.dir, "*.wal"))
	if err != nil {
		return errors.Wrap(err, "lsmkv: glob wals")
	}

	// Oldest WAL first: each one becomes an L0 table, and L0 search
	// order is insertion order, newest last.
	sort.Slice(matches, func(i, j int) bool {
		si, erri := os.Stat(matches[i])
		sj, errj := os.Stat(matches[j])
		if erri != nil || errj != nil {
			return matches[i] < matches[j]
		}
		return si.ModTime().Before(sj.ModTime())
	})

	for _, walPath := range matches {
		m, err := memtable.New(walPath)
		if err != nil {
			db.log.Error().Err(err).Str("wal", walPath).Msg("skipping unreadable wal during recovery")
			continue
		}
		if err := m.Recover(); err != nil {
			db.log.Error().Err(err).Str("wal", walPath).Msg("skipping wal that failed replay")
			m.Close()
			continue
		}
		if m.IsEmpty() {
			if err := m.DeleteWAL(); err != nil {
				db.log.Warn().Err(err).Str("wal", walPath).Msg("delete of empty wal failed")
			}
			continue
		}
		if err := db.publishMemtable(m); err != nil {
			// The WAL survives for the next startup to retry.
			db.log.Error().Err(err).Str("wal", walPath).Msg("flush of recovered wal failed, retaining wal")
			m.Close()
			continue
		}
		db.log.Info().Str("wal", walPath).Msg("recovered wal into L0 table")
	}
	return nil
}

// publishMemtable drains m into a new L0 SSTable, registers it, and
// deletes m's WAL. The WAL delete happens strictly after the table is
// a live level member.
func (db *DB) publishMemtable(m *memtable.Memtable) error {
	tablePath := db.newL0TablePath()
	if err := sstable.Build(tablePath, m.Drain(), db.sstableConfig(), 0); err != nil {
		_ = os.Remove(tablePath)
		return errors.Wrap(err, "lsmkv: build L0 table")
	}

	triggered, err := db.levels.AddL0Table(tablePath)
	if err != nil {
		_ = os.Remove(tablePath)
		return err
	}

	if err := m.DeleteWAL(); err != nil {
		db.log.Warn().Err(err).Str("wal", m.WALPath()).Msg("wal delete after flush failed")
	}

	if triggered {
		db.spawn(func() {
			if err := db.levels.Compact(0); err != nil {
				db.log.Error().Err(err).Msg("background compaction failed")
			}
		})
	}
	return nil
}

// spawn runs fn on a tracked goroutine unless the engine has begun
// closing; Close waits for every tracked goroutine before releasing
// the level manager. The closed check and wg.Add share db.mu so the
// add can never race Close's wait.
func (db *DB) spawn(fn func()) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.wg.Add(1)
	db.mu.Unlock()

	go func() {
		defer db.wg.Done()
		fn()
	}()
}

// Set writes key=value. The write is durable (fsynced to the WAL)
// before Set returns. Crossing the memtable threshold spawns a
// non-blocking background flush.
func (db *DB) Set(key string, value []byte) error {
	return db.write(entry.Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Delete writes a tombstone for key. Deleting a key that was never
// written is not an error.
func (db *DB) Delete(key string) error {
	return db.write(entry.Entry{
		Key:       key,
		Tombstone: true,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (db *DB) write(e entry.Entry) error {
	if e.Key == "" {
		return ErrBadKey
	}
	if len(e.Key) > entry.MaxKeyLen {
		return errors.Wrapf(ErrBadKey, "key length %d exceeds %d", len(e.Key), entry.MaxKeyLen)
	}

	var m *memtable.Memtable
	for {
		db.mu.Lock()
		if db.closed {
			db.mu.Unlock()
			return ErrClosed
		}
		m = db.active
		db.mu.Unlock()

		err := m.Set(e)
		if errors.Is(err, memtable.ErrReadOnly) {
			// Lost a race with a flush handoff; the new active
			// memtable is already installed, so retry against it.
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if m.Size() >= db.opts.MemtableThresholdBytes {
		db.spawn(func() {
			if err := db.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				db.log.Error().Err(err).Msg("background flush failed")
			}
		})
	}
	return nil
}

// Get returns the newest visible value for key. A tombstone is
// indistinguishable from a key never written: both report found ==
// false.
func (db *DB) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrBadKey
	}
	if len(key) > entry.MaxKeyLen {
		return nil, false, errors.Wrapf(ErrBadKey, "key length %d exceeds %d", len(key), entry.MaxKeyLen)
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, false, ErrClosed
	}
	active, flushing := db.active, db.flushing
	db.mu.Unlock()

	if e, found := active.Get(key); found {
		return valueOrMiss(e)
	}
	if flushing != nil {
		if e, found := flushing.Get(key); found {
			return valueOrMiss(e)
		}
	}

	e, found, err := db.levels.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return valueOrMiss(e)
}

func valueOrMiss(e entry.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Flush synchronously drains the active memtable into a new L0
// SSTable. Concurrent Flush calls are serialized; a Flush whose
// publication failed leaves the data in the flushing slot, and the
// next Flush retries it before draining anything new.
func (db *DB) Flush() error {
	if err := db.flushSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer db.flushSem.Release(1)

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	if db.flushing == nil {
		if db.active.IsEmpty() {
			db.mu.Unlock()
			return nil
		}
		newActive, err := memtable.New(db.newWALPath())
		if err != nil {
			db.mu.Unlock()
			return errors.Wrap(err, "lsmkv: open wal for new memtable")
		}
		db.active.MakeReadOnly()
		db.flushing = db.active
		db.active = newActive
	}
	frozen := db.flushing
	db.mu.Unlock()

	if err := db.publishMemtable(frozen); err != nil {
		return err
	}

	db.mu.Lock()
	if db.flushing == frozen {
		db.flushing = nil
	}
	db.mu.Unlock()
	return nil
}

// Compact triggers an L0->L1 compaction, cascading down through any
// level the policy now considers over target.
func (db *DB) Compact() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.mu.Unlock()

	return db.levels.Compact(0)
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	MemtableBytes  int
	TablesPerLevel []int
	Cache          cache.Stats
}

// Stats reports the active memtable's accounted size, per-level table
// counts, and block cache counters.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	memBytes := 0
	if db.active != nil {
		memBytes = db.active.Size()
	}
	db.mu.Unlock()

	return Stats{
		MemtableBytes:  memBytes,
		TablesPerLevel: db.levels.Stats().TablesPerLevel,
		Cache:          db.blockCache.Stats(),
	}
}

// Close runs a best-effort final flush, then releases every resource.
// Errors from the final flush are swallowed: any unflushed data still
// has its WAL on disk and is recovered on the next Open.
func (db *DB) Close() error {
	if err := db.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		db.log.Warn().Err(err).Msg("final flush on close failed, wal retained for recovery")
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	active, flushing := db.active, db.flushing
	db.active, db.flushing = nil, nil
	db.mu.Unlock()

	db.wg.Wait()

	if active != nil {
		if err := active.Close(); err != nil {
			db.log.Warn().Err(err).Msg("close of active memtable wal failed")
		}
	}
	if flushing != nil {
		if err := flushing.Close(); err != nil {
			db.log.Warn().Err(err).Msg("close of flushing memtable wal failed")
		}
	}
	return db.levels.Close()
}
