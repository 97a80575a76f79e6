// Package wal implements the write-ahead log: an append-only,
// fsync-durable record log that makes writes recoverable across a
// crash until the memtable they belong to is flushed.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"lsmkv/entry"
)

// ErrClosed is returned by Write on a WAL after Delete or Close.
var ErrClosed = errors.New("wal: closed")

// WAL is an append-only durable log of entries, one file per memtable
// generation.
//
// Record layout, little-endian:
//
//	u32 key_len | key_bytes | u32 value_len | value_bytes | u8 tombstone | i64 timestamp_ms
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// Open creates or appends to the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}
	return &WAL{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string {
	return w.path
}

func encodeRecord(buf []byte, e entry.Entry) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Value...)
	if e.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp))
	return buf
}

// Write serializes entries under the WAL's mutex, flushes the user
// buffer, and fsyncs the file before returning success. Entries are
// visible to readers in the order they appear in the call.
func (w *WAL) Write(entries ...entry.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	var buf []byte
	for _, e := range entries {
		buf = encodeRecord(buf, e)
	}

	if _, err := w.writer.Write(buf); err != nil {
		return errors.Wrap(err, "wal: write")
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "wal: fsync")
	}
	return nil
}

// Read streams records from the beginning of the file until EOF. Any
// record-level decoding error (truncation or an invalid length) is
// treated as partial-tail corruption: it stops reading and returns
// the entries successfully decoded so far, with no error.
func Read(path string) ([]entry.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "wal: open for read %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []entry.Entry
	for {
		e, err := readRecord(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			// Partial-tail corruption: stop, keep what we have.
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readRecord(r io.Reader) (entry.Entry, error) {
	var lenBuf [8]byte

	if _, err := io.ReadFull(r, lenBuf[:4]); err != nil {
		return entry.Entry{}, err
	}
	keyLen := binary.LittleEndian.Uint32(lenBuf[:4])
	if keyLen == 0 || keyLen > 1<<20 {
		return entry.Entry{}, errors.New("wal: invalid key length")
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return entry.Entry{}, err
	}

	if _, err := io.ReadFull(r, lenBuf[:4]); err != nil {
		return entry.Entry{}, err
	}
	valLen := binary.LittleEndian.Uint32(lenBuf[:4])
	if valLen > 1<<28 {
		return entry.Entry{}, errors.New("wal: invalid value length")
	}
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return entry.Entry{}, err
		}
	}

	var tsByte [1]byte
	if _, err := io.ReadFull(r, tsByte[:]); err != nil {
		return entry.Entry{}, err
	}
	tombstone := tsByte[0] == 1

	if _, err := io.ReadFull(r, lenBuf[:8]); err != nil {
		return entry.Entry{}, err
	}
	timestamp := int64(binary.LittleEndian.Uint64(lenBuf[:8]))

	return entry.Entry{
		Key:       string(key),
		Value:     value,
		Tombstone: tombstone,
		Timestamp: timestamp,
	}, nil
}

// Delete closes and unlinks the WAL file. Subsequent writes fail with
// ErrClosed; a repeated Delete or Close is a no-op.
func (w *WAL) Delete() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "wal: close %s", w.path)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "wal: remove %s", w.path)
	}
	return nil
}

// Close closes the underlying file without removing it, used when a
// WAL is retained for later recovery (e.g. on orderly shutdown
// without a final flush).
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush on close")
	}
	return w.file.Close()
}
