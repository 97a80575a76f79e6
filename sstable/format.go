// Package sstable implements the immutable on-disk sorted table
// format: prefix-compressed data blocks, a bloom filter, a meta block,
// an index block, and a fixed 40-byte footer.
package sstable

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"lsmkv/entry"
)

// Config controls how a table is built.
type Config struct {
	DataBlockSize int     // target pre-compression block size, bytes
	BloomFPR      float64 // target bloom filter false-positive rate
	Codec         string  // "none", "gzip", or "deflate"
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DataBlockSize: 4096,
		BloomFPR:      0.01,
		Codec:         "gzip",
	}
}

// writeBlockHandle appends a BlockHandle in the fixed 16-byte
// little-endian layout: u64 offset | u64 length.
func writeBlockHandle(buf []byte, h entry.BlockHandle) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, h.Offset)
	buf = binary.LittleEndian.AppendUint64(buf, h.Length)
	return buf
}

func readBlockHandle(r io.Reader) (entry.BlockHandle, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return entry.BlockHandle{}, err
	}
	return entry.BlockHandle{
		Offset: binary.LittleEndian.Uint64(raw[0:8]),
		Length: binary.LittleEndian.Uint64(raw[8:16]),
	}, nil
}

func encodeFooter(f entry.Footer) []byte {
	buf := make([]byte, 0, entry.FooterSize)
	buf = writeBlockHandle(buf, f.MetaHandle)
	buf = writeBlockHandle(buf, f.IndexHandle)
	buf = binary.LittleEndian.AppendUint64(buf, f.Magic)
	return buf
}

func decodeFooter(raw []byte) (entry.Footer, error) {
	if len(raw) != entry.FooterSize {
		return entry.Footer{}, errors.New("sstable: malformed footer size")
	}
	r := &sliceReader{b: raw}
	meta, err := readBlockHandle(r)
	if err != nil {
		return entry.Footer{}, err
	}
	index, err := readBlockHandle(r)
	if err != nil {
		return entry.Footer{}, err
	}
	magic := binary.LittleEndian.Uint64(raw[32:40])
	return entry.Footer{MetaHandle: meta, IndexHandle: index, Magic: magic}, nil
}

// sliceReader is a minimal io.Reader over an advancing byte slice,
// used internally to reuse readBlockHandle against in-memory buffers.
type sliceReader struct {
	b   []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}

func encodeMeta(m entry.MetaBlock) []byte {
	buf := make([]byte, 0, 32+len(m.MinKey)+len(m.MaxKey))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.CreatedUnix))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Level))
	buf = binary.LittleEndian.AppendUint64(buf, m.EntryCount)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.MinKey)))
	buf = append(buf, m.MinKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.MaxKey)))
	buf = append(buf, m.MaxKey...)
	return buf
}

func decodeMeta(raw []byte) (entry.MetaBlock, error) {
	r := &sliceReader{b: raw}
	var fixed [24]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return entry.MetaBlock{}, errors.Wrap(err, "sstable: meta header")
	}
	m := entry.MetaBlock{
		CreatedUnix: int64(binary.LittleEndian.Uint64(fixed[0:8])),
		Level:       int(int32(binary.LittleEndian.Uint32(fixed[8:12]))),
		EntryCount:  binary.LittleEndian.Uint64(fixed[12:20]),
	}
	minLen := binary.LittleEndian.Uint32(fixed[20:24])
	minKey := make([]byte, minLen)
	if _, err := io.ReadFull(r, minKey); err != nil {
		return entry.MetaBlock{}, errors.Wrap(err, "sstable: meta min_key")
	}
	m.MinKey = string(minKey)

	var maxLenBuf [4]byte
	if _, err := io.ReadFull(r, maxLenBuf[:]); err != nil {
		return entry.MetaBlock{}, errors.Wrap(err, "sstable: meta max_key length")
	}
	maxLen := binary.LittleEndian.Uint32(maxLenBuf[:])
	maxKey := make([]byte, maxLen)
	if _, err := io.ReadFull(r, maxKey); err != nil {
		return entry.MetaBlock{}, errors.Wrap(err, "sstable: meta max_key")
	}
	m.MaxKey = string(maxKey)

	return m, nil
}

// encodeIndexBlock writes:
//
//	u64 data_block_handle_offset | u64 data_block_handle_length  // aggregate handle over all data bytes
//	i32 entry_count
//	entry_count x { i32 start_len, bytes, i32 end_len, bytes, u64 off, u64 len }
func encodeIndexBlock(dataHandle entry.BlockHandle, entries []entry.IndexEntry) []byte {
	buf := make([]byte, 0, 24+len(entries)*32)
	buf = writeBlockHandle(buf, dataHandle)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(entries))))
	for _, ie := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(ie.StartKey))))
		buf = append(buf, ie.StartKey...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(ie.EndKey))))
		buf = append(buf, ie.EndKey...)
		buf = writeBlockHandle(buf, ie.Handle)
	}
	return buf
}

func decodeIndexBlock(raw []byte) (entry.BlockHandle, []entry.IndexEntry, error) {
	r := &sliceReader{b: raw}
	dataHandle, err := readBlockHandle(r)
	if err != nil {
		return entry.BlockHandle{}, nil, errors.Wrap(err, "sstable: index data handle")
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return entry.BlockHandle{}, nil, errors.Wrap(err, "sstable: index entry count")
	}
	count := int32(binary.LittleEndian.Uint32(countBuf[:]))
	if count < 0 {
		return entry.BlockHandle{}, nil, errors.New("sstable: negative index entry count")
	}

	entries := make([]entry.IndexEntry, 0, count)
	for i := int32(0); i < count; i++ {
		startKey, err := readLenPrefixedString(r)
		if err != nil {
			return entry.BlockHandle{}, nil, errors.Wrap(err, "sstable: index start_key")
		}
		endKey, err := readLenPrefixedString(r)
		if err != nil {
			return entry.BlockHandle{}, nil, errors.Wrap(err, "sstable: index end_key")
		}
		handle, err := readBlockHandle(r)
		if err != nil {
			return entry.BlockHandle{}, nil, errors.Wrap(err, "sstable: index handle")
		}
		entries = append(entries, entry.IndexEntry{StartKey: startKey, EndKey: endKey, Handle: handle})
	}

	return dataHandle, entries, nil
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if n < 0 {
		return "", errors.New("sstable: negative length prefix")
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// encodeDataBlock packs entries using common-prefix compression
// relative to the previous key within this block:
//
//	u16 common_prefix_len | u16 suffix_len | suffix_bytes |
//	u32 value_len | value_bytes | u8 tombstone | i64 timestamp
func encodeDataBlock(entries []entry.Entry) []byte {
	var buf []byte
	var prevKey string
	for _, e := range entries {
		lcp := commonPrefixLen(prevKey, e.Key)
		suffix := e.Key[lcp:]

		buf = binary.LittleEndian.AppendUint16(buf, uint16(lcp))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(suffix)))
		buf = append(buf, suffix...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
		if e.Tombstone {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp))

		prevKey = e.Key
	}
	return buf
}

func decodeDataBlock(raw []byte) ([]entry.Entry, error) {
	r := &sliceReader{b: raw}
	var entries []entry.Entry
	var prevKey string

	for r.pos < len(r.b) {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrap(err, "sstable: data block entry header")
		}
		lcp := binary.LittleEndian.Uint16(hdr[0:2])
		suffixLen := binary.LittleEndian.Uint16(hdr[2:4])

		suffix := make([]byte, suffixLen)
		if suffixLen > 0 {
			if _, err := io.ReadFull(r, suffix); err != nil {
				return nil, errors.Wrap(err, "sstable: data block suffix")
			}
		}
		if int(lcp) > len(prevKey) {
			return nil, errors.New("sstable: common prefix exceeds previous key length")
		}
		key := prevKey[:lcp] + string(suffix)

		var valLenBuf [4]byte
		if _, err := io.ReadFull(r, valLenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "sstable: data block value length")
		}
		valLen := binary.LittleEndian.Uint32(valLenBuf[:])
		value := make([]byte, valLen)
		if valLen > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, errors.Wrap(err, "sstable: data block value")
			}
		}

		var tsByte [1]byte
		if _, err := io.ReadFull(r, tsByte[:]); err != nil {
			return nil, errors.Wrap(err, "sstable: data block tombstone flag")
		}

		var tsBuf [8]byte
		if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
			return nil, errors.Wrap(err, "sstable: data block timestamp")
		}

		entries = append(entries, entry.Entry{
			Key:       key,
			Value:     value,
			Tombstone: tsByte[0] == 1,
			Timestamp: int64(binary.LittleEndian.Uint64(tsBuf[:])),
		})
		prevKey = key
	}

	return entries, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	// The façade caps keys at entry.MaxKeyLen, so a uint16
	// prefix/suffix length never overflows here.
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
