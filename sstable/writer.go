package sstable

import (
	"bufio"
	"encoding/binary"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"lsmkv/bloom"
	"lsmkv/codec"
	"lsmkv/entry"
)

// Writer builds an SSTable file. Input entries are sorted once
// (stable, ascending by key) before blocks are produced. Data blocks
// accumulate entries until their *estimated* pre-compression encoded
// size would exceed Config.DataBlockSize; the actual compressed size
// is never measured, so block sizes vary after compression; this
// mirrors the source's estimate-before strategy rather than measuring
// post-compression size, which would require re-splitting blocks.
type Writer struct {
	file   *os.File
	bw     *bufio.Writer
	config Config
	codec  codec.Codec
	level  int

	pending      []entry.Entry
	pendingBytes int

	indexEntries  []entry.IndexEntry
	currentOffset uint64
	dataStart     uint64

	entryCount uint64
	minKey     string
	maxKey     string
	filter     *bloom.Filter
}

// estimatedEntrySize approximates the pre-compression on-disk cost of
// an entry's encoded record, used to decide when to close a block
// without actually encoding it first.
func estimatedEntrySize(e entry.Entry) int {
	const fixedOverhead = 2 + 2 + 4 + 1 + 8 // lcp, suffix_len, value_len, tombstone, timestamp
	return fixedOverhead + len(e.Key) + len(e.Value)
}

// NewWriter creates filename and prepares to build an SSTable with
// expectedEntries used to size the bloom filter.
func NewWriter(filename string, config Config, expectedEntries int) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: create %s", filename)
	}

	c, err := codec.For(codec.Kind(config.Codec))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Writer{
		file:   f,
		bw:     bufio.NewWriter(f),
		config: config,
		codec:  c,
		filter: bloom.New(expectedEntries, config.BloomFPR),
	}, nil
}

// SetLevel records which level the produced table belongs to, carried
// in the meta block for discovery during recovery.
func (w *Writer) SetLevel(level int) {
	w.level = level
}

// Build writes all of entries (will be sorted in place) to filename
// using the given config, returning once the file has been finished
// and closed. It refuses an empty input.
func Build(filename string, entries []entry.Entry, config Config, level int) error {
	if len(entries) == 0 {
		return errors.New("sstable: build refuses empty input")
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	w, err := NewWriter(filename, config, len(entries))
	if err != nil {
		return err
	}
	w.SetLevel(level)

	for _, e := range entries {
		if err := w.Add(e); err != nil {
			return err
		}
	}
	return w.Finish()
}

// Add appends an entry. Entries must be added in ascending key order.
func (w *Writer) Add(e entry.Entry) error {
	if w.entryCount == 0 {
		w.minKey = e.Key
	}
	w.maxKey = e.Key
	w.entryCount++
	w.filter.Add(e.Key)

	estimate := estimatedEntrySize(e)
	if w.pendingBytes > 0 && w.pendingBytes+estimate > w.config.DataBlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	w.pending = append(w.pending, e)
	w.pendingBytes += estimate
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}

	raw := encodeDataBlock(w.pending)
	compressed, err := w.codec.Compress(raw)
	if err != nil {
		return errors.Wrap(err, "sstable: compress data block")
	}

	// A murmur3 checksum precedes the compressed payload so a reader
	// can detect silent corruption independent of the codec's own
	// framing, without needing a codec byte per block.
	checksum := murmur3Sum32(compressed)
	var checksumBuf [4]byte
	binary.LittleEndian.PutUint32(checksumBuf[:], checksum)

	n1, err := w.bw.Write(checksumBuf[:])
	if err != nil {
		return errors.Wrap(err, "sstable: write block checksum")
	}
	n2, err := w.bw.Write(compressed)
	if err != nil {
		return errors.Wrap(err, "sstable: write data block")
	}

	blockLen := uint64(n1 + n2)
	w.indexEntries = append(w.indexEntries, entry.IndexEntry{
		StartKey: w.pending[0].Key,
		EndKey:   w.pending[len(w.pending)-1].Key,
		Handle:   entry.BlockHandle{Offset: w.currentOffset, Length: blockLen},
	})

	w.currentOffset += blockLen
	w.pending = w.pending[:0]
	w.pendingBytes = 0
	return nil
}

// Finish flushes any pending block and writes the filter, meta block,
// index block, and footer, then closes the file.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	dataHandle := entry.BlockHandle{Offset: w.dataStart, Length: w.currentOffset - w.dataStart}

	meta := entry.MetaBlock{
		CreatedUnix: time.Now().Unix(),
		Level:       w.level,
		EntryCount:  w.entryCount,
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
	}
	metaBytes := encodeMeta(meta)
	filterBytes := w.filter.Encode()
	combined := make([]byte, 0, len(metaBytes)+4+len(filterBytes))
	combined = append(combined, metaBytes...)
	combined = binary.LittleEndian.AppendUint32(combined, uint32(len(filterBytes)))
	combined = append(combined, filterBytes...)

	metaOffset := w.currentOffset
	n, err := w.bw.Write(combined)
	if err != nil {
		return errors.Wrap(err, "sstable: write meta block")
	}
	w.currentOffset += uint64(n)
	metaHandle := entry.BlockHandle{Offset: metaOffset, Length: uint64(n)}

	indexBytes := encodeIndexBlock(dataHandle, w.indexEntries)
	indexOffset := w.currentOffset
	n, err = w.bw.Write(indexBytes)
	if err != nil {
		return errors.Wrap(err, "sstable: write index block")
	}
	w.currentOffset += uint64(n)
	indexHandle := entry.BlockHandle{Offset: indexOffset, Length: uint64(n)}

	footer := entry.Footer{MetaHandle: metaHandle, IndexHandle: indexHandle, Magic: entry.Magic}
	if _, err := w.bw.Write(encodeFooter(footer)); err != nil {
		return errors.Wrap(err, "sstable: write footer")
	}

	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "sstable: flush")
	}
	return w.file.Close()
}
