// Package record defines the on-disk/in-memory record layout the
// allocator packs into pages: a fixed 8-byte RecordInfo header followed
// by a fixed-size key and a fixed-size value, generalizing the teacher's
// small packed-struct Page header (Flag/Count/Len/Next/CheckSum) read
// back with unsafe.Pointer arithmetic in page.go/db.go.
package record

import (
	"encoding/binary"

	"github.com/Revolution1/hlog/bitflag"
)

// HeaderSize is the fixed size in bytes of a RecordInfo header.
const HeaderSize = 8

// RecordInfo is the fixed-size header carried by every record: a
// tombstone bit, a valid bit (records under construction read invalid
// until committed), an 8-bit version/generation counter, and an optional
// 32-bit checksum populated only when Config.VerifyChecksums is set.
type RecordInfo uint64

const (
	tombstoneBit  RecordInfo = 1 << 0
	validBit      RecordInfo = 1 << 1
	inlineBit     RecordInfo = 1 << 2
	versionShift             = 8
	versionMask   RecordInfo = 0xFF
	checksumShift            = 16
	checksumMask  RecordInfo = 0xFFFFFFFF
)

// NewRecordInfo builds a header for a freshly-allocated, not-yet-valid
// record with the given version counter.
func NewRecordInfo(version uint8) RecordInfo {
	return RecordInfo(version) << versionShift
}

// Tombstone reports whether the record represents a deletion marker.
func (r RecordInfo) Tombstone() bool { return bitflag.Has(r, tombstoneBit) }

// WithTombstone returns a copy of r with the tombstone bit set to v.
func (r RecordInfo) WithTombstone(v bool) RecordInfo { return bitflag.With(r, tombstoneBit, v) }

// Valid reports whether the record has finished being written and is
// safe to read. Allocate publishes records as invalid until the caller
// finishes populating them.
func (r RecordInfo) Valid() bool { return bitflag.Has(r, validBit) }

// WithValid returns a copy of r with the valid bit set to v.
func (r RecordInfo) WithValid(v bool) RecordInfo { return bitflag.With(r, validBit, v) }

// Inline reports whether the record's value slot holds its payload
// directly (small-value inlining) rather than a reference into the
// object log.
func (r RecordInfo) Inline() bool { return bitflag.Has(r, inlineBit) }

// WithInline returns a copy of r with the inline bit set to v.
func (r RecordInfo) WithInline(v bool) RecordInfo { return bitflag.With(r, inlineBit, v) }

// Version returns the record's generation counter.
func (r RecordInfo) Version() uint8 {
	return uint8((r >> versionShift) & versionMask)
}

// Checksum returns the record's stored CRC32C, or 0 if unset.
func (r RecordInfo) Checksum() uint32 {
	return uint32((r >> checksumShift) & checksumMask)
}

// WithChecksum returns a copy of r with the checksum field set to c.
func (r RecordInfo) WithChecksum(c uint32) RecordInfo {
	return (r &^ (checksumMask << checksumShift)) | (RecordInfo(c) << checksumShift)
}

// Encode writes the header, little-endian, to dst[0:8].
func (r RecordInfo) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst, uint64(r))
}

// DecodeRecordInfo reads a header from src[0:8].
func DecodeRecordInfo(src []byte) RecordInfo {
	return RecordInfo(binary.LittleEndian.Uint64(src))
}

// Layout describes a fixed-size record's key and value sizes. Total
// record size is HeaderSize + KeySize + ValueSize.
type Layout struct {
	KeySize   int
	ValueSize int
}

// Size returns the total size in bytes of one record under this layout.
func (l Layout) Size() int { return HeaderSize + l.KeySize + l.ValueSize }

// KeyOffset returns the byte offset of the key within a record.
func (l Layout) KeyOffset() int { return HeaderSize }

// ValueOffset returns the byte offset of the value within a record.
func (l Layout) ValueOffset() int { return HeaderSize + l.KeySize }

// Header reads the RecordInfo at the front of the record starting at off
// within page.
func Header(page []byte, off int) RecordInfo {
	return DecodeRecordInfo(page[off : off+HeaderSize])
}

// SetHeader writes info at the front of the record starting at off.
func SetHeader(page []byte, off int, info RecordInfo) {
	info.Encode(page[off : off+HeaderSize])
}

// Key returns the key bytes of the record starting at off.
func Key(page []byte, off int, l Layout) []byte {
	start := off + l.KeyOffset()
	return page[start : start+l.KeySize]
}

// Value returns the value-slot bytes of the record starting at off. For
// object-bearing layouts this is the fixed-size AddressInfo/handle slot,
// not the variable payload itself.
func Value(page []byte, off int, l Layout) []byte {
	start := off + l.ValueOffset()
	return page[start : start+l.ValueSize]
}

// Write populates a full record (header, key, value-slot) at off.
func Write(page []byte, off int, l Layout, info RecordInfo, key, value []byte) {
	SetHeader(page, off, info)
	copy(Key(page, off, l), key)
	copy(Value(page, off, l), value)
}
