package sstable

import (
	"encoding/binary"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"lsmkv/bloom"
	"lsmkv/cache"
	"lsmkv/codec"
	"lsmkv/entry"
)

// ErrCorrupt marks a structurally invalid table file; Open and block
// reads wrap it with the file path. A clean miss is (Entry{}, false,
// nil), never an error.
var ErrCorrupt = errors.New("sstable: corrupt file")

// Reader provides random-access reads over a built SSTable file: it
// keeps the file open, the parsed meta/index blocks and bloom filter
// in memory, and serves point lookups with one disk read per miss
// (or zero, on a cache hit).
type Reader struct {
	mu sync.Mutex

	path  string
	file  *os.File
	codec codec.Codec
	cache *cache.Cache

	footer       entry.Footer
	meta         entry.MetaBlock
	dataHandle   entry.BlockHandle
	indexEntries []entry.IndexEntry
	filter       *bloom.Filter
}

// Open validates the footer, then reads the meta and index blocks.
// The file remains open for random-access block reads. Any failure
// surfaces as a corruption error naming the file path.
func Open(path string, codecKind string, blockCache *cache.Cache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}

	r := &Reader{path: path, file: f, cache: blockCache}

	c, err := codec.For(codec.Kind(codecKind))
	if err != nil {
		f.Close()
		return nil, err
	}
	r.codec = c

	if err := r.readFooterAndBlocks(); err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrCorrupt, "%s: %s", path, err)
	}
	return r, nil
}

func (r *Reader) readFooterAndBlocks() error {
	stat, err := r.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < int64(entry.FooterSize) {
		return errors.New("file too small for footer")
	}

	footerBytes := make([]byte, entry.FooterSize)
	if _, err := r.file.ReadAt(footerBytes, stat.Size()-int64(entry.FooterSize)); err != nil {
		return err
	}
	footer, err := decodeFooter(footerBytes)
	if err != nil {
		return err
	}
	if footer.Magic != entry.Magic {
		return errors.New("magic number mismatch")
	}
	r.footer = footer

	metaBytes := make([]byte, footer.MetaHandle.Length)
	if _, err := r.file.ReadAt(metaBytes, int64(footer.MetaHandle.Offset)); err != nil {
		return err
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return err
	}
	r.meta = meta

	// The meta block region is meta bytes followed by a
	// length-prefixed bloom filter blob (see Writer.Finish).
	metaOnlyLen := len(encodeMeta(meta))
	if len(metaBytes) < metaOnlyLen+4 {
		return errors.New("meta block missing filter blob")
	}
	filterLen := binary.LittleEndian.Uint32(metaBytes[metaOnlyLen : metaOnlyLen+4])
	filterStart := metaOnlyLen + 4
	if uint32(len(metaBytes)-filterStart) < filterLen {
		return errors.New("meta block filter blob truncated")
	}
	filter, err := bloom.Decode(metaBytes[filterStart : filterStart+int(filterLen)])
	if err != nil {
		return err
	}
	r.filter = filter

	indexBytes := make([]byte, footer.IndexHandle.Length)
	if _, err := r.file.ReadAt(indexBytes, int64(footer.IndexHandle.Offset)); err != nil {
		return err
	}
	dataHandle, indexEntries, err := decodeIndexBlock(indexBytes)
	if err != nil {
		return err
	}
	r.dataHandle = dataHandle
	r.indexEntries = indexEntries

	return nil
}

// MinKey, MaxKey, EntryCount, and Level expose the meta block.
func (r *Reader) MinKey() string     { return r.meta.MinKey }
func (r *Reader) MaxKey() string     { return r.meta.MaxKey }
func (r *Reader) EntryCount() uint64 { return r.meta.EntryCount }
func (r *Reader) Level() int         { return r.meta.Level }
func (r *Reader) Path() string       { return r.path }

// MayContain reports a bloom-filter pre-check; a false result means
// the key is definitely absent.
func (r *Reader) MayContain(key string) bool {
	return r.filter.Contains(key)
}

// loadBlock decodes the data block at handle, via the cache if
// present. On a cache miss it reads, checksum-verifies, decompresses,
// and decodes the block, then populates the cache.
func (r *Reader) loadBlock(handle entry.BlockHandle) ([]entry.Entry, error) {
	if r.cache != nil {
		if block, ok := r.cache.Get(cache.Key{FilePath: r.path, Offset: handle.Offset}); ok {
			return block, nil
		}
	}

	raw := make([]byte, handle.Length)
	if _, err := r.file.ReadAt(raw, int64(handle.Offset)); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: read data block: %s", r.path, err)
	}
	if len(raw) < 4 {
		return nil, errors.Wrapf(ErrCorrupt, "%s: data block missing checksum", r.path)
	}
	wantChecksum := binary.LittleEndian.Uint32(raw[:4])
	compressed := raw[4:]
	if murmur3Sum32(compressed) != wantChecksum {
		return nil, errors.Wrapf(ErrCorrupt, "%s: data block checksum mismatch", r.path)
	}

	decompressed, err := r.codec.Decompress(compressed)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: decompress data block: %s", r.path, err)
	}
	block, err := decodeDataBlock(decompressed)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %s", r.path, err)
	}

	if r.cache != nil {
		r.cache.Put(cache.Key{FilePath: r.path, Offset: handle.Offset}, block)
	}
	return block, nil
}

// Get searches the table for key. A nil, false result is a clean
// miss; an error indicates corruption while reading the located
// block. A tombstone entry is returned, not hidden; the caller
// decides how to surface it.
func (r *Reader) Get(key string) (entry.Entry, bool, error) {
	if key < r.meta.MinKey || key > r.meta.MaxKey {
		return entry.Entry{}, false, nil
	}
	if !r.MayContain(key) {
		return entry.Entry{}, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Primary candidate: the last block whose start_key <= key. The
	// following block (the first with start_key > key) is probed as a
	// secondary candidate only when the key did not lie inside the
	// primary's inclusive [start_key, end_key], covering a key that
	// falls in the gap between two blocks' ranges.
	next := sort.Search(len(r.indexEntries), func(i int) bool {
		return r.indexEntries[i].StartKey > key
	})
	primary := next - 1

	if primary >= 0 && key <= r.indexEntries[primary].EndKey {
		return r.searchBlock(r.indexEntries[primary].Handle, key)
	}
	if next < len(r.indexEntries) {
		return r.searchBlock(r.indexEntries[next].Handle, key)
	}

	return entry.Entry{}, false, nil
}

func (r *Reader) searchBlock(handle entry.BlockHandle, key string) (entry.Entry, bool, error) {
	block, err := r.loadBlock(handle)
	if err != nil {
		return entry.Entry{}, false, err
	}

	i := sort.Search(len(block), func(i int) bool { return block[i].Key >= key })
	if i < len(block) && block[i].Key == key {
		return block[i], true, nil
	}
	return entry.Entry{}, false, nil
}

// All returns every entry in the table, in ascending key order, used
// by compaction to build merge streams.
func (r *Reader) All() ([]entry.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []entry.Entry
	for _, ie := range r.indexEntries {
		block, err := r.loadBlock(ie.Handle)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

// Close releases the underlying file descriptor.
func (r *Reader) Close() error {
	return r.file.Close()
}
