package level

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// The manifest is a recovery fast path: a little-endian snapshot of
// level membership written on every L0 admission, after every
// compaction, and on close.
//
//	u32 table_count
//	table_count x { u32 level, u32 path_len, path_bytes }
//
// Recovery falls back to a full directory scan whenever the manifest
// is missing, unreadable, or references files that no longer exist;
// the meta block inside each .sst file stays the authoritative source
// of a table's level.
const manifestName = "MANIFEST"

type manifestEntry struct {
	Level int
	Path  string
}

func readManifest(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "level: open manifest")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errors.Wrap(err, "level: manifest table count")
	}
	count := binary.LittleEndian.Uint32(countBuf[:])
	if count > 1<<20 {
		return nil, errors.New("level: implausible manifest table count")
	}

	entries := make([]manifestEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrap(err, "level: manifest entry header")
		}
		lvl := binary.LittleEndian.Uint32(hdr[0:4])
		pathLen := binary.LittleEndian.Uint32(hdr[4:8])
		if pathLen > 4096 {
			return nil, errors.New("level: implausible manifest path length")
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return nil, errors.Wrap(err, "level: manifest path")
		}
		entries = append(entries, manifestEntry{Level: int(lvl), Path: string(pathBytes)})
	}
	return entries, nil
}

// writeManifestLocked snapshots current level membership to disk. The
// caller must hold m.mu. The file is written to a temp name and
// renamed so a crash mid-write leaves either the old manifest or none
// at all, never a torn one.
func (m *Manager) writeManifestLocked() error {
	var count uint32
	for _, lvl := range m.levels {
		count += uint32(len(lvl))
	}

	buf := binary.LittleEndian.AppendUint32(nil, count)
	for levelIdx, tables := range m.levels {
		for _, t := range tables {
			path := t.Path()
			buf = binary.LittleEndian.AppendUint32(buf, uint32(levelIdx))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(path)))
			buf = append(buf, path...)
		}
	}

	manifestPath := filepath.Join(m.dir, manifestName)
	tmpPath := manifestPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0644); err != nil {
		return errors.Wrap(err, "level: write manifest")
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		return errors.Wrap(err, "level: publish manifest")
	}
	return nil
}
