// Package level implements the leveled on-disk layout: per-level
// table lists, newest-first search with bloom/range pruning, and the
// L0->L1 and Li->Li+1 compaction routines that keep level >= 1 tables
// non-overlapping.
package level

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"lsmkv/cache"
	"lsmkv/entry"
	"lsmkv/merge"
	"lsmkv/sstable"
)

// Table is the in-memory descriptor for one on-disk SSTable: its
// level, file path, and the parsed reader backing point lookups.
type Table struct {
	reader *sstable.Reader
}

func (t *Table) Path() string       { return t.reader.Path() }
func (t *Table) MinKey() string     { return t.reader.MinKey() }
func (t *Table) MaxKey() string     { return t.reader.MaxKey() }
func (t *Table) EntryCount() uint64 { return t.reader.EntryCount() }

func (t *Table) overlaps(minKey, maxKey string) bool {
	return t.MinKey() <= maxKey && minKey <= t.MaxKey()
}

// Policy holds the tunables driving admission and compaction.
type Policy struct {
	L0CompactionTrigger int
	LevelRatio          int
	MaxLevels           int
	DataBlockSize       int
	BloomFPR            float64
	Codec               string
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		L0CompactionTrigger: 4,
		LevelRatio:          10,
		MaxLevels:           7,
		DataBlockSize:       4096,
		BloomFPR:            0.01,
		Codec:               "gzip",
	}
}

func (p Policy) sstableConfig() sstable.Config {
	return sstable.Config{DataBlockSize: p.DataBlockSize, BloomFPR: p.BloomFPR, Codec: p.Codec}
}

// targetTableCount returns the number of tables level i (i>=1) should
// hold before it is considered over-target: T0 * R^i.
func (p Policy) targetTableCount(level int) int {
	if level == 0 {
		return p.L0CompactionTrigger
	}
	target := p.L0CompactionTrigger
	for i := 0; i < level; i++ {
		target *= p.LevelRatio
	}
	return target
}

// Manager owns every level's table list and serializes list mutations
// under a single coarse lock. Compactions read files outside the lock
// and only take it to linearize the atomic swap of list membership.
type Manager struct {
	mu     sync.Mutex
	dir    string
	policy Policy
	cache  *cache.Cache
	log    zerolog.Logger

	// compactMu serializes whole compaction cascades so two runs
	// never consume the same inputs or clobber each other's level
	// list publication. mu is still taken briefly inside for each
	// snapshot and swap.
	compactMu sync.Mutex

	levels [][]*Table // levels[0] = L0 ...
}

// New constructs a level manager rooted at dir (typically
// <database-dir>/levels) without performing recovery.
func New(dir string, policy Policy, blockCache *cache.Cache, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "level: create dir %s", dir)
	}
	return &Manager{
		dir:    dir,
		policy: policy,
		cache:  blockCache,
		log:    log.With().Str("component", "level").Logger(),
		levels: make([][]*Table, 1),
	}, nil
}

// RecoverFromManifest loads table membership from a prior manifest
// file if one exists and every referenced file is still present;
// otherwise it falls back to scanning the directory for "*.sst" files
// and discovering each one's level from its own meta block (the file
// name's level marker is advisory only).
func (m *Manager) RecoverFromManifest() error {
	manifestPath := filepath.Join(m.dir, "MANIFEST")
	if entries, err := readManifest(manifestPath); err == nil {
		if tables, ok := m.openManifestTables(entries); ok {
			m.mu.Lock()
			m.levels = tables
			m.mu.Unlock()
			return nil
		}
		m.log.Warn().Msg("manifest stale or referenced missing files, falling back to directory scan")
	}
	return m.recoverFromDirectory()
}

func (m *Manager) openManifestTables(mes []manifestEntry) ([][]*Table, bool) {
	maxLevel := 0
	for _, me := range mes {
		if me.Level > maxLevel {
			maxLevel = me.Level
		}
	}
	levels := make([][]*Table, maxLevel+1)
	for _, me := range mes {
		if _, err := os.Stat(me.Path); err != nil {
			return nil, false
		}
		r, err := sstable.Open(me.Path, m.policy.Codec, m.cache)
		if err != nil {
			return nil, false
		}
		levels[me.Level] = append(levels[me.Level], &Table{reader: r})
	}
	return levels, true
}

func (m *Manager) recoverFromDirectory() error {
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.sst"))
	if err != nil {
		return errors.Wrap(err, "level: glob sstables")
	}

	byLevel := make(map[int][]*Table)
	maxLevel := 0
	for _, path := range matches {
		r, err := sstable.Open(path, m.policy.Codec, m.cache)
		if err != nil {
			m.log.Error().Err(err).Str("path", path).Msg("skipping corrupt sstable during recovery")
			continue
		}
		lvl := r.Level()
		if lvl > maxLevel {
			maxLevel = lvl
		}
		byLevel[lvl] = append(byLevel[lvl], &Table{reader: r})
	}

	levels := make([][]*Table, maxLevel+1)
	for lvl, tables := range byLevel {
		levels[lvl] = tables
	}

	m.mu.Lock()
	m.levels = levels
	m.mu.Unlock()
	return nil
}

// AddL0Table registers a freshly flushed table at the tail of L0, in
// creation order, and returns whether L0 is now at/over its
// compaction trigger.
func (m *Manager) AddL0Table(path string) (bool, error) {
	r, err := sstable.Open(path, m.policy.Codec, m.cache)
	if err != nil {
		return false, errors.Wrap(err, "level: open new L0 table")
	}

	m.mu.Lock()
	if len(m.levels) == 0 {
		m.levels = append(m.levels, nil)
	}
	m.levels[0] = append(m.levels[0], &Table{reader: r})
	triggered := len(m.levels[0]) >= m.policy.L0CompactionTrigger
	// The manifest must include the new table before its WAL can be
	// deleted; a stale manifest that loads cleanly would otherwise
	// drop the table on the next recovery.
	if err := m.writeManifestLocked(); err != nil {
		m.log.Warn().Err(err).Msg("manifest update after L0 admission failed")
	}
	m.mu.Unlock()

	return triggered, nil
}

// snapshot copies the per-level slices under the lock so a search can
// walk them without holding the lock for the duration of disk I/O.
func (m *Manager) snapshot() [][]*Table {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]*Table, len(m.levels))
	for i, lvl := range m.levels {
		out[i] = append([]*Table(nil), lvl...)
	}
	return out
}

// Get searches L0 newest-first, then each of L1..Ln in list order
// (tables at level >= 1 do not overlap). The first hit wins, including a tombstone; the façade decides how to
// surface that to its caller.
func (m *Manager) Get(key string) (entry.Entry, bool, error) {
	levels := m.snapshot()

	for levelIdx, tables := range levels {
		if levelIdx == 0 {
			for i := len(tables) - 1; i >= 0; i-- {
				if e, found, err := m.probe(tables[i], key); err != nil {
					m.log.Error().Err(err).Str("path", tables[i].Path()).Msg("probe failed, treating as miss")
				} else if found {
					return e, true, nil
				}
			}
			continue
		}
		for _, t := range tables {
			if e, found, err := m.probe(t, key); err != nil {
				m.log.Error().Err(err).Str("path", t.Path()).Msg("probe failed, treating as miss")
			} else if found {
				return e, true, nil
			}
		}
	}

	return entry.Entry{}, false, nil
}

func (m *Manager) probe(t *Table, key string) (entry.Entry, bool, error) {
	if key < t.MinKey() || key > t.MaxKey() {
		return entry.Entry{}, false, nil
	}
	return t.reader.Get(key)
}

// Stats summarizes the current table count per level.
type Stats struct {
	TablesPerLevel []int
}

// TablesAt returns a snapshot of level i's tables in list order, for
// inspection by callers verifying level invariants.
func (m *Manager) TablesAt(i int) []*Table {
	levels := m.snapshot()
	if i < 0 || i >= len(levels) {
		return nil
	}
	return levels[i]
}

func (m *Manager) Stats() Stats {
	levels := m.snapshot()
	counts := make([]int, len(levels))
	for i, lvl := range levels {
		counts[i] = len(lvl)
	}
	return Stats{TablesPerLevel: counts}
}

// newTablePath generates a unique file name for a table about to be
// published at level.
func (m *Manager) newTablePath(level int) string {
	name := fmt.Sprintf("L%d_%s.sst", level, uuid.New().String())
	return filepath.Join(m.dir, name)
}

// Compact runs L0->L1 compaction, then cascades down through any
// level now over its target table count. An explicit call drains L0
// regardless of the trigger; the trigger only decides when a flush
// schedules a compaction automatically.
func (m *Manager) Compact(startLevel int) error {
	m.compactMu.Lock()
	defer m.compactMu.Unlock()

	level := startLevel
	for {
		m.mu.Lock()
		overTarget := level < len(m.levels) &&
			((level == 0 && len(m.levels[0]) > 0) ||
				(level > 0 && len(m.levels[level]) > m.policy.targetTableCount(level)))
		m.mu.Unlock()

		if !overTarget || level >= m.policy.MaxLevels-1 {
			return nil
		}

		var err error
		if level == 0 {
			err = m.compactL0ToL1()
		} else {
			err = m.compactLevel(level)
		}
		if err != nil {
			return err
		}
		level++
	}
}

// compactL0ToL1 merges every current L0 table with the L1 tables
// overlapping their combined key range, producing one new L1 table.
func (m *Manager) compactL0ToL1() error {
	m.mu.Lock()
	l0 := append([]*Table(nil), m.levels[0]...)
	var l1 []*Table
	if len(m.levels) > 1 {
		l1 = append([]*Table(nil), m.levels[1]...)
	}
	m.mu.Unlock()

	if len(l0) == 0 {
		return nil
	}

	minKey, maxKey := l0[0].MinKey(), l0[0].MaxKey()
	for _, t := range l0[1:] {
		if t.MinKey() < minKey {
			minKey = t.MinKey()
		}
		if t.MaxKey() > maxKey {
			maxKey = t.MaxKey()
		}
	}

	var overlappingL1, untouchedL1 []*Table
	for _, t := range l1 {
		if t.overlaps(minKey, maxKey) {
			overlappingL1 = append(overlappingL1, t)
		} else {
			untouchedL1 = append(untouchedL1, t)
		}
	}

	// Oldest-to-newest: the overlapping L1 tables first,
	// then the new L0 tables in creation order, so a newer L0 entry
	// overwrites an older L1 entry for the same key.
	streams := make([]merge.Stream, 0, len(overlappingL1)+len(l0))
	for _, t := range overlappingL1 {
		entries, err := t.reader.All()
		if err != nil {
			m.log.Error().Err(err).Str("path", t.Path()).Msg("skipping missing/corrupt table mid-compaction")
			continue
		}
		streams = append(streams, merge.NewSliceStream(entries))
	}
	for _, t := range l0 {
		entries, err := t.reader.All()
		if err != nil {
			m.log.Error().Err(err).Str("path", t.Path()).Msg("skipping missing/corrupt table mid-compaction")
			continue
		}
		streams = append(streams, merge.NewSliceStream(entries))
	}

	dropTombstones := m.bottommostForMerge(1)
	merged := merge.Merge(streams, merge.Options{DropTombstones: dropTombstones})

	if len(merged) == 0 {
		return m.publishCompaction(0, l0, 1, overlappingL1, nil, untouchedL1)
	}

	outPath := m.newTablePath(1)
	if err := sstable.Build(outPath, merged, m.policy.sstableConfig(), 1); err != nil {
		// Never publish until success: inputs remain valid.
		_ = os.Remove(outPath)
		return errors.Wrap(err, "level: build compacted L1 table")
	}

	newReader, err := sstable.Open(outPath, m.policy.Codec, m.cache)
	if err != nil {
		_ = os.Remove(outPath)
		return errors.Wrap(err, "level: open compacted L1 table")
	}

	return m.publishCompaction(0, l0, 1, overlappingL1, &Table{reader: newReader}, untouchedL1)
}

// compactLevel merges the oldest table at level i with every
// overlapping table at level i+1, publishing the result to i+1.
func (m *Manager) compactLevel(i int) error {
	m.mu.Lock()
	if i >= len(m.levels) || len(m.levels[i]) == 0 {
		m.mu.Unlock()
		return nil
	}
	oldest := m.levels[i][0]
	var next []*Table
	if i+1 < len(m.levels) {
		next = append([]*Table(nil), m.levels[i+1]...)
	}
	m.mu.Unlock()

	var overlapping, untouched []*Table
	for _, t := range next {
		if t.overlaps(oldest.MinKey(), oldest.MaxKey()) {
			overlapping = append(overlapping, t)
		} else {
			untouched = append(untouched, t)
		}
	}

	streams := make([]merge.Stream, 0, len(overlapping)+1)
	for _, t := range overlapping {
		entries, err := t.reader.All()
		if err != nil {
			m.log.Error().Err(err).Str("path", t.Path()).Msg("skipping missing/corrupt table mid-compaction")
			continue
		}
		streams = append(streams, merge.NewSliceStream(entries))
	}
	oldestEntries, err := oldest.reader.All()
	if err != nil {
		return errors.Wrap(err, "level: read oldest table for compaction")
	}
	streams = append(streams, merge.NewSliceStream(oldestEntries))

	dropTombstones := m.bottommostForMerge(i + 1)
	merged := merge.Merge(streams, merge.Options{DropTombstones: dropTombstones})

	if len(merged) == 0 {
		return m.publishCompaction(i, []*Table{oldest}, i+1, overlapping, nil, untouched)
	}

	outPath := m.newTablePath(i + 1)
	if err := sstable.Build(outPath, merged, m.policy.sstableConfig(), i+1); err != nil {
		_ = os.Remove(outPath)
		return errors.Wrap(err, "level: build compacted table")
	}

	newReader, err := sstable.Open(outPath, m.policy.Codec, m.cache)
	if err != nil {
		_ = os.Remove(outPath)
		return errors.Wrap(err, "level: open compacted table")
	}

	return m.publishCompaction(i, []*Table{oldest}, i+1, overlapping, &Table{reader: newReader}, untouched)
}

// bottommostForMerge reports whether targetLevel is the bottommost
// level that could hold a key in this merge: either it is the deepest
// level the policy allows, or no deeper level holds any table that
// might still carry an older version. Untouched tables at the target
// level itself cannot hold merged keys since they do not overlap the
// merged range. Tombstones are dropped only when this returns true.
func (m *Manager) bottommostForMerge(targetLevel int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if targetLevel >= m.policy.MaxLevels-1 {
		return true
	}
	for lvl := targetLevel + 1; lvl < len(m.levels); lvl++ {
		if len(m.levels[lvl]) > 0 {
			return false
		}
	}
	return true
}

// publishCompaction atomically removes the consumed tables from
// fromLevel/toLevel and, if newTable is non-nil, appends it to
// toLevel, then deletes the obsolete files on disk. List mutation
// happens under the lock; file deletion happens strictly after, so
// a concurrent search never observes a missing member file.
func (m *Manager) publishCompaction(fromLevel int, consumedFrom []*Table, toLevel int, consumedTo []*Table, newTable *Table, keptTo []*Table) error {
	m.mu.Lock()

	for len(m.levels) <= toLevel {
		m.levels = append(m.levels, nil)
	}

	consumedFromSet := make(map[string]bool, len(consumedFrom))
	for _, t := range consumedFrom {
		consumedFromSet[t.Path()] = true
	}
	var keptFrom []*Table
	for _, t := range m.levels[fromLevel] {
		if !consumedFromSet[t.Path()] {
			keptFrom = append(keptFrom, t)
		}
	}
	m.levels[fromLevel] = keptFrom

	newToLevel := append([]*Table(nil), keptTo...)
	if newTable != nil {
		newToLevel = append(newToLevel, newTable)
	}
	m.levels[toLevel] = newToLevel

	m.mu.Unlock()

	for _, t := range consumedFrom {
		path := t.Path()
		if err := t.reader.Close(); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("close before delete failed")
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("path", path).Msg("delete of obsolete table failed, will retry lazily")
		}
	}
	for _, t := range consumedTo {
		path := t.Path()
		if err := t.reader.Close(); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("close before delete failed")
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("path", path).Msg("delete of obsolete table failed, will retry lazily")
		}
	}

	return m.writeManifest()
}

// Close closes every table's file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, lvl := range m.levels {
		for _, t := range lvl {
			if err := t.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := m.writeManifestLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (m *Manager) writeManifest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeManifestLocked()
}
