// Package bloom implements a probabilistic set-membership filter sized
// from a target entry count and false-positive rate, serialized into
// SSTable files so point lookups can skip tables that cannot contain a
// key.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// fnv1aOffset and fnv1aPrime are the standard FNV-1a 32-bit constants;
// each of the k hash functions reseeds the offset by XOR-ing in its
// seed, per spec: offset = 2166136261 XOR seed.
const (
	fnv1aOffset uint32 = 2166136261
	fnv1aPrime  uint32 = 16777619
)

// Filter is a fixed-size bit array tested by k independent seeded
// FNV-1a hashes.
type Filter struct {
	m    uint64   // bit array size
	k    int      // number of hash functions
	p    float64  // configured target false-positive rate
	bits []uint64 // packed bitset, 64 bits per word
}

// New sizes a filter for n expected insertions at target false-positive
// rate p: m = ceil(-n*ln(p) / (ln 2)^2) bits, k = max(1, round(m*ln2/n)).
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := int(math.Round(float64(m) * math.Ln2 / float64(n)))
	if k < 1 {
		k = 1
	}

	return &Filter{
		m:    m,
		k:    k,
		p:    p,
		bits: make([]uint64, (m+63)/64),
	}
}

func seededFNV1a(seed uint32, key string) uint32 {
	h := fnv1aOffset ^ seed
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnv1aPrime
	}
	return h
}

func (f *Filter) indices(key string) []uint64 {
	idx := make([]uint64, f.k)
	for seed := 0; seed < f.k; seed++ {
		idx[seed] = uint64(seededFNV1a(uint32(seed), key)) % f.m
	}
	return idx
}

// Add inserts key into the filter.
func (f *Filter) Add(key string) {
	for _, i := range f.indices(key) {
		f.bits[i/64] |= 1 << (i % 64)
	}
}

// Contains reports whether key may be present. It never returns false
// for a key that was Added; it may return true for a key that was
// never added, with probability approaching the configured p as the
// filter fills.
func (f *Filter) Contains(key string) bool {
	for _, i := range f.indices(key) {
		if f.bits[i/64]&(1<<(i%64)) == 0 {
			return false
		}
	}
	return true
}

// M returns the bit array size.
func (f *Filter) M() uint64 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() int { return f.k }

// Encode serializes {m, k, p, byte_length, bits} for embedding in an
// SSTable's meta region.
func (f *Filter) Encode() []byte {
	byteLen := uint64(len(f.bits)) * 8
	buf := make([]byte, 8+4+8+8+byteLen)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], f.m)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(f.k))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f.p))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], byteLen)
	off += 8
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[off+i*8:], w)
	}
	return buf
}

// Decode reconstructs a Filter from bytes produced by Encode. It
// requires the embedded m to be consistent with the byte length,
// returning an error otherwise; k is taken as stored.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 28 {
		return nil, errors.New("bloom: truncated filter header")
	}
	off := 0
	m := binary.LittleEndian.Uint64(data[off:])
	off += 8
	k := binary.LittleEndian.Uint32(data[off:])
	off += 4
	p := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	byteLen := binary.LittleEndian.Uint64(data[off:])
	off += 8

	if uint64(len(data)-off) < byteLen {
		return nil, errors.New("bloom: truncated filter bitset")
	}
	wantWords := (m + 63) / 64
	if byteLen != wantWords*8 {
		return nil, errors.New("bloom: m/byte_length mismatch")
	}

	bits := make([]uint64, wantWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[off+i*8:])
	}

	return &Filter{m: m, k: int(k), p: p, bits: bits}, nil
}
