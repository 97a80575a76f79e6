package lsmkv

import (
	"os"

	"github.com/rs/zerolog"

	"lsmkv/codec"
)

// Options collects every engine tunable. Open starts from
// DefaultOptions and applies the With* functional options passed to
// it; each option sets its field as given, zero included.
type Options struct {
	// MemtableThresholdBytes is the accounted size at which the
	// active memtable becomes flush-eligible.
	MemtableThresholdBytes int

	// DataBlockSizeBytes is the target pre-compression SSTable data
	// block size.
	DataBlockSizeBytes int

	// BloomFPR is the bloom filter target false-positive rate.
	BloomFPR float64

	// Compression selects the block codec: none, gzip, or deflate.
	Compression codec.Kind

	// BlockCacheBytes bounds the decoded-block cache; 0 disables it.
	BlockCacheBytes int

	// MaxLevels caps the depth of the leveled layout.
	MaxLevels int

	// L0CompactionTrigger is the number of L0 tables at which an
	// L0->L1 compaction is scheduled.
	L0CompactionTrigger int

	// LevelRatio is the table-count multiplier between adjacent
	// levels: level i (i>=1) targets L0CompactionTrigger * ratio^i.
	LevelRatio int

	// Logger receives all engine diagnostics.
	Logger zerolog.Logger
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MemtableThresholdBytes: 1 << 20,
		DataBlockSizeBytes:     4 << 10,
		BloomFPR:               0.01,
		Compression:            codec.Gzip,
		BlockCacheBytes:        64 << 20,
		MaxLevels:              7,
		L0CompactionTrigger:    4,
		LevelRatio:             10,
		Logger:                 zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
	}
}

// Option mutates Options during Open.
type Option func(*Options)

// WithMemtableThreshold sets the flush-eligibility size in bytes.
func WithMemtableThreshold(bytes int) Option {
	return func(o *Options) { o.MemtableThresholdBytes = bytes }
}

// WithDataBlockSize sets the target pre-compression block size.
func WithDataBlockSize(bytes int) Option {
	return func(o *Options) { o.DataBlockSizeBytes = bytes }
}

// WithBloomFPR sets the bloom filter target false-positive rate.
func WithBloomFPR(p float64) Option {
	return func(o *Options) { o.BloomFPR = p }
}

// WithCompression selects the block codec.
func WithCompression(kind codec.Kind) Option {
	return func(o *Options) { o.Compression = kind }
}

// WithBlockCacheSize bounds the block cache; 0 disables caching.
func WithBlockCacheSize(bytes int) Option {
	return func(o *Options) { o.BlockCacheBytes = bytes }
}

// WithMaxLevels caps the leveled layout's depth.
func WithMaxLevels(n int) Option {
	return func(o *Options) { o.MaxLevels = n }
}

// WithL0CompactionTrigger sets the L0 table count that schedules
// compaction.
func WithL0CompactionTrigger(n int) Option {
	return func(o *Options) { o.L0CompactionTrigger = n }
}

// WithLevelRatio sets the per-level table-count multiplier.
func WithLevelRatio(n int) Option {
	return func(o *Options) { o.LevelRatio = n }
}

// WithLogger replaces the default console logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Options) { o.Logger = log }
}
