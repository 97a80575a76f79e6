package sstable

import "github.com/spaolacci/murmur3"

// murmur3Sum32 checksums a compressed data block so a reader can
// detect silent corruption (e.g. a disk bit-flip the codec's own
// framing didn't catch) independently of the chosen compression
// codec.
func murmur3Sum32(data []byte) uint32 {
	return murmur3.Sum32(data)
}
