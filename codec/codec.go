// Package codec implements the closed set of block compression
// variants an SSTable may be built with: none, gzip, and deflate.
// Codec identity is chosen per SSTable at build time and is not
// recorded per block; decoding with the wrong codec surfaces as a
// corruption error.
package codec

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Kind names one of the closed set of codec variants.
type Kind string

const (
	None    Kind = "none"
	Gzip    Kind = "gzip"
	Deflate Kind = "deflate"
)

// Codec compresses and decompresses opaque byte blocks.
type Codec interface {
	Compress(block []byte) ([]byte, error)
	Decompress(block []byte) ([]byte, error)
}

// For resolves a Kind to its Codec implementation.
func For(kind Kind) (Codec, error) {
	switch kind {
	case None, "":
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case Deflate:
		return deflateCodec{}, nil
	default:
		return nil, errors.Errorf("codec: unknown kind %q", kind)
	}
}

type noneCodec struct{}

func (noneCodec) Compress(block []byte) ([]byte, error)   { return block, nil }
func (noneCodec) Decompress(block []byte) ([]byte, error) { return block, nil }

type gzipCodec struct{}

func (gzipCodec) Compress(block []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(block); err != nil {
		return nil, errors.Wrap(err, "codec: gzip compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: gzip compress close")
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(block []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(block))
	if err != nil {
		return nil, errors.Wrap(err, "codec: gzip corrupt header")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "codec: gzip corrupt stream")
	}
	return out, nil
}

// deflateCodec uses klauspost/compress/flate, a faster drop-in
// replacement for the standard library's compress/flate that speaks
// the same wire format.
type deflateCodec struct{}

func (deflateCodec) Compress(block []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errors.Wrap(err, "codec: deflate writer")
	}
	if _, err := w.Write(block); err != nil {
		return nil, errors.Wrap(err, "codec: deflate compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: deflate compress close")
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decompress(block []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(block))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "codec: deflate corrupt stream")
	}
	return out, nil
}
