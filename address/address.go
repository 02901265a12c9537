// Package address implements the logical-to-physical addressing scheme of
// the page-resident log: a 64-bit logical address is partitioned into an
// intra-page offset, a ring-buffer slot index, and a segment number.
package address

import (
	"github.com/pkg/errors"
)

// FirstValidAddress is the lowest logical address the allocator will ever
// hand out. Logical address 0 is a reserved null sentinel.
const FirstValidAddress uint64 = 64

// Layout describes the bit-width partitioning of a logical address. It is
// derived once from a Config and never mutated afterward.
type Layout struct {
	// OffsetBits is the number of low bits addressing a byte within a page.
	OffsetBits uint
	// PageIndexBits is log2(bufferSize): the number of bits selecting a
	// ring-buffer slot.
	PageIndexBits uint
	// PageSize is 1 << OffsetBits.
	PageSize uint64
	// BufferSize is 1 << PageIndexBits, the number of resident page slots.
	BufferSize uint64
}

// NewLayout builds a Layout from a page size and buffer size, both of which
// must be powers of two.
func NewLayout(pageSize, bufferSize uint64) (Layout, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return Layout{}, errors.Errorf("page size %d is not a power of two", pageSize)
	}
	if bufferSize == 0 || bufferSize&(bufferSize-1) != 0 {
		return Layout{}, errors.Errorf("buffer size %d is not a power of two", bufferSize)
	}
	return Layout{
		OffsetBits:    bits(pageSize),
		PageIndexBits: bits(bufferSize),
		PageSize:      pageSize,
		BufferSize:    bufferSize,
	}, nil
}

func bits(v uint64) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// Offset returns the intra-page byte offset of a logical address.
func (l Layout) Offset(logical uint64) uint64 {
	return logical & (l.PageSize - 1)
}

// Slot returns the ring-buffer slot index a logical address currently maps
// to. The slot is only meaningful while the address is within the live
// window [HeadAddress, TailAddress).
func (l Layout) Slot(logical uint64) uint64 {
	return (logical >> l.OffsetBits) & (l.BufferSize - 1)
}

// Page returns the page number (logical address divided by page size) of a
// logical address. Page numbers are dense across segments.
func (l Layout) Page(logical uint64) uint64 {
	return logical >> l.OffsetBits
}

// PageStart returns the logical address of the first byte of the page
// containing logical.
func (l Layout) PageStart(logical uint64) uint64 {
	return logical &^ (l.PageSize - 1)
}

// PageEnd returns the logical address one past the last byte of the page
// containing logical.
func (l Layout) PageEnd(logical uint64) uint64 {
	return l.PageStart(logical) + l.PageSize
}

// AddressOfPage returns the logical address of the first byte of page p.
func (l Layout) AddressOfPage(page uint64) uint64 {
	return page << l.OffsetBits
}

// Segment computes the segment number of a page number given the number of
// pages per segment (also a power of two).
func Segment(page, pagesPerSegment uint64) uint64 {
	return page / pagesPerSegment
}
