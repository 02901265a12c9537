// Package ringbuf implements the circular buffer of fixed-size resident
// pages: per-slot byte storage, the sector-aligned usable window into
// it, the packed status word, and the pure logical-to-physical address
// translation function.
package ringbuf

import (
	"sync/atomic"
	"unsafe"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/status"
)

// Slot is one page-sized entry in the circular buffer.
type Slot struct {
	// buffer is the owned backing allocation, sized pageSize +
	// 2*sectorSize so a sector-aligned window can be carved from it.
	// It is allocated once by AllocatePage and never resized -- Go's
	// GC never moves a live slice's backing array, so the aligned
	// offset computed at allocation time remains valid for the life
	// of the slot without any separate pinning step.
	buffer []byte
	// alignedOffset is buffer's usable window start, i.e. the smallest
	// offset >= 0 that makes &buffer[alignedOffset] sector-aligned.
	alignedOffset int
	pageSize      int

	Status           *status.Word
	lastFlushedUntil uint64 // atomic
	// PageNumber is the dense page number currently materialized into
	// this slot. Compared against a candidate allocation's target page
	// to decide whether the slot must be re-materialized.
	PageNumber uint64 // atomic
}

// Page returns the usable, sector-aligned page-sized window.
func (s *Slot) Page() []byte {
	if s.buffer == nil {
		return nil
	}
	return s.buffer[s.alignedOffset : s.alignedOffset+s.pageSize]
}

// AlignedPointer returns the address of Page()[0], for callers handing a
// raw pointer to a device I/O call.
func (s *Slot) AlignedPointer() uintptr {
	p := s.Page()
	if len(p) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p[0]))
}

// LastFlushedUntil returns the current watermark for bytes durable on
// the log device for this slot's page.
func (s *Slot) LastFlushedUntil() uint64 {
	return atomic.LoadUint64(&s.lastFlushedUntil)
}

// SetLastFlushedUntil advances the slot's durability watermark. Callers
// must ensure it only moves forward.
func (s *Slot) SetLastFlushedUntil(v uint64) {
	atomic.StoreUint64(&s.lastFlushedUntil, v)
}

// Buffer is the fixed-capacity circular array of page slots.
type Buffer struct {
	layout     address.Layout
	sectorSize int
	slots      []*Slot
}

// New creates a Buffer with one slot per ring index, none of them
// materialized yet (AllocatePage must be called before use).
func New(layout address.Layout, sectorSize int) *Buffer {
	slots := make([]*Slot, layout.BufferSize)
	for i := range slots {
		slots[i] = &Slot{Status: status.NewWord(status.Pack(status.Flushed, status.Cleared))}
	}
	return &Buffer{layout: layout, sectorSize: sectorSize, slots: slots}
}

// Slot returns the ring-buffer slot for a given ring index.
func (b *Buffer) Slot(idx uint64) *Slot {
	return b.slots[idx%b.layout.BufferSize]
}

// SlotForAddress returns the ring-buffer slot a logical address
// currently maps to. No bounds/liveness check is performed -- callers
// must have already ensured the address is within the live window.
func (b *Buffer) SlotForAddress(logical uint64) *Slot {
	return b.Slot(b.layout.Slot(logical))
}

// PhysicalPage returns the byte slice a logical address' page currently
// maps to, i.e. the pure address-translation function of section 4.1
// specialized to return a Go slice rather than a raw pointer.
func (b *Buffer) PhysicalPage(logical uint64) []byte {
	return b.SlotForAddress(logical).Page()
}

// PhysicalOffset translates a logical address into a byte offset within
// its slot's page.
func (b *Buffer) PhysicalOffset(logical uint64) uint64 {
	return b.layout.Offset(logical)
}

// AllocatePage materializes slot idx: overallocates pageSize +
// 2*sectorSize bytes, zeroes them, computes the aligned window, and
// publishes status (Flushed, Cleared) so allocators observe the slot as
// reusable-but-empty as soon as it is materialized. Callers that go on
// to open the slot for writes (as ensurePageWritable does) overwrite
// this with (Flushed, Open) immediately afterward.
func (b *Buffer) AllocatePage(idx, pageNumber uint64) *Slot {
	s := b.Slot(idx)
	pageSize := int(b.layout.PageSize)
	raw := make([]byte, pageSize+2*b.sectorSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	sector := uintptr(b.sectorSize)
	alignedBase := (base + sector - 1) &^ (sector - 1)
	s.buffer = raw
	s.alignedOffset = int(alignedBase - base)
	s.pageSize = pageSize
	s.SetLastFlushedUntil(0)
	atomic.StoreUint64(&s.PageNumber, pageNumber)
	s.Status.Store(status.Pack(status.Flushed, status.Cleared))
	return s
}

// ClearPage releases any live objects referenced by records in the slot
// (skipping the reserved FIRST_VALID_ADDR prefix when isPageZero) and
// then zeroes the entire slot buffer, including the reserved prefix.
func (b *Buffer) ClearPage(idx uint64, isPageZero bool, handler pagehandler.Handler) {
	s := b.Slot(idx)
	page := s.Page()
	if page == nil {
		return
	}
	if handler != nil && (handler.KeyHasObjects() || handler.ValueHasObjects()) {
		start := 0
		if isPageZero {
			start = int(address.FirstValidAddress)
		}
		handler.ClearPage(page, start, len(page))
	}
	for i := range page {
		page[i] = 0
	}
}
