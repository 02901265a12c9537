// Package config validates and holds the tunables of the page-resident
// log allocator: page/buffer/sector geometry, object-log usage, checksum
// and compression toggles. Validation happens synchronously at
// construction, matching the teacher's Options-struct-plus-defaults
// pattern in db.go.
package config

import (
	"github.com/pkg/errors"
)

// CompressionKind selects the object-log payload compressor.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = iota
	CompressionSnappy
	CompressionLZ4
)

// DefaultObjectBlockSize is the maximum serialized object payload size
// handled by a single flush-engine batch, per spec section 4.4; it is
// the ObjectBlockSize DefaultConfig sets (Validate rejects zero).
const DefaultObjectBlockSize = 100 * 1024 * 1024 // 100 MiB

// MaxObjectFragment is the largest object-log fragment the read engine
// will accept in one read; larger fragments are rejected as fatal for
// that read.
const MaxObjectFragment = 2 * 1024 * 1024 * 1024 // 2 GiB

// Config is the full set of allocator tunables.
type Config struct {
	// PageSize is the size in bytes of one resident page. Must be a
	// power of two.
	PageSize uint64
	// BufferSize is the number of resident page slots in the circular
	// buffer. Must be a power of two.
	BufferSize uint64
	// SectorSize is the device alignment granularity. Must be a power
	// of two and no larger than PageSize.
	SectorSize int
	// PagesPerSegment is the number of pages grouped into one on-disk
	// segment for object-log addressing and segment-range deletion.
	// Must be a power of two.
	PagesPerSegment uint64
	// SegmentBufferSize is the number of live segment-offset table
	// entries kept resident (segmentOffset[s % SegmentBufferSize]).
	SegmentBufferSize uint64

	// UseObjectLog enables the two-device flush/read path. When false,
	// KeyHasObjects/ValueHasObjects on the configured page handler must
	// both report false.
	UseObjectLog bool
	// InlineThreshold: values no larger than this are always stored
	// in-record even when the value type supports out-of-line objects.
	// Capped at 7 bytes: the on-disk object-address slot is a fixed
	// 8-byte AddressInfo, so an inlined value has to share that width
	// with a 1-byte length prefix.
	InlineThreshold int

	// VerifyChecksums enables per-record CRC32C checksums, computed at
	// allocation time and verified on record-granular reads.
	VerifyChecksums bool
	// Compression selects the object-log payload compressor.
	Compression CompressionKind

	// ObjectBlockSize caps how much serialized object payload the flush
	// engine batches into a single object-log write before rotating to
	// another WriteSegmentAsync call, per spec section 4.4. Tests
	// exercising the multi-batch split path lower this well below
	// DefaultObjectBlockSize; DefaultConfig leaves it at the default.
	ObjectBlockSize int
}

// DefaultConfig returns a Config with the reference geometry: 1 MiB
// pages, 8-page buffer, 512 byte sectors, one segment per 1024 pages.
func DefaultConfig() Config {
	return Config{
		PageSize:          1 << 20,
		BufferSize:        8,
		SectorSize:        512,
		PagesPerSegment:   1024,
		SegmentBufferSize: 4,
		InlineThreshold:   7,
		ObjectBlockSize:   DefaultObjectBlockSize,
	}
}

// Validate checks the configuration for internal consistency, returning
// a ConfigurationError-class error at the first violation.
func (c Config) Validate() error {
	if !isPowerOfTwo(c.PageSize) {
		return errors.Errorf("configuration error: page size %d is not a power of two", c.PageSize)
	}
	if !isPowerOfTwo(c.BufferSize) {
		return errors.Errorf("configuration error: buffer size %d is not a power of two", c.BufferSize)
	}
	if c.SectorSize <= 0 || !isPowerOfTwo(uint64(c.SectorSize)) {
		return errors.Errorf("configuration error: sector size %d is not a power of two", c.SectorSize)
	}
	if uint64(c.SectorSize) > c.PageSize {
		return errors.Errorf("configuration error: sector size %d exceeds page size %d", c.SectorSize, c.PageSize)
	}
	if !isPowerOfTwo(c.PagesPerSegment) {
		return errors.Errorf("configuration error: pages per segment %d is not a power of two", c.PagesPerSegment)
	}
	if c.SegmentBufferSize == 0 {
		return errors.New("configuration error: segment buffer size must be positive")
	}
	if c.InlineThreshold < 0 || c.InlineThreshold > 7 {
		return errors.New("configuration error: inline threshold must be within [0,7]")
	}
	if c.ObjectBlockSize <= 0 {
		return errors.New("configuration error: object block size must be positive")
	}
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
