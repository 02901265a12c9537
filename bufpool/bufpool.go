// Package bufpool implements the sector-aligned scratch buffer pool used
// by the flush and read engines for page-sized I/O staging (serialization
// scratch copies, record-granular receive buffers). The teacher has no
// aligned-buffer scheme of its own; this allocates slightly oversized
// backing arrays and carves an aligned window out of them with
// unsafe.Pointer arithmetic, sized to the sector alignment the device
// layer's golang.org/x/sys/unix syscalls need.
package bufpool

import (
	"sync"
	"unsafe"
)

// AlignedBuffer is a sector-aligned scratch buffer handed out by Pool.Get.
type AlignedBuffer struct {
	// raw is the full backing allocation, oversized by 2*sectorSize
	// bytes so an aligned window can be carved out of it.
	raw []byte
	// Buffer is the aligned, usable window into raw, exactly the
	// requested size.
	Buffer []byte
	// Offset is the byte offset of Buffer within raw.
	Offset int
	// ValidOffset and AvailableBytes let a caller record where, within
	// Buffer, real data starts and how much of it is meaningful. Get
	// sets them to 0 and the requested size; nothing in this module
	// updates them afterwards.
	ValidOffset    int
	AvailableBytes int
	// RequiredBytes is the size the caller originally asked for.
	RequiredBytes int
}

// AlignedPointer returns the address of Buffer[0] as a uintptr, for
// callers that need to hand a raw pointer to a device Write/ReadAsync
// call.
func (b *AlignedBuffer) AlignedPointer() uintptr {
	if len(b.Buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.Buffer[0]))
}

// Pool is a sync.Pool-backed source of sector-aligned buffers, bucketed by
// requested size to reduce churn for the common page-sized allocation.
type Pool struct {
	sectorSize int
	pools      sync.Map // size -> *sync.Pool
}

// NewPool creates a buffer pool that aligns allocations to sectorSize,
// which must be a power of two.
func NewPool(sectorSize int) *Pool {
	return &Pool{sectorSize: sectorSize}
}

func (p *Pool) poolFor(size int) *sync.Pool {
	if v, ok := p.pools.Load(size); ok {
		return v.(*sync.Pool)
	}
	sectorSize := p.sectorSize
	newPool := &sync.Pool{
		New: func() interface{} {
			raw := make([]byte, size+2*sectorSize)
			return &raw
		},
	}
	actual, _ := p.pools.LoadOrStore(size, newPool)
	return actual.(*sync.Pool)
}

// Get returns an AlignedBuffer whose Buffer field is exactly size bytes,
// starting at a sector-aligned offset within its backing allocation.
func (p *Pool) Get(size int) *AlignedBuffer {
	pool := p.poolFor(size)
	raw := *pool.Get().(*[]byte)
	base := uintptr(unsafe.Pointer(&raw[0]))
	sector := uintptr(p.sectorSize)
	alignedBase := (base + sector - 1) &^ (sector - 1)
	offset := int(alignedBase - base)
	return &AlignedBuffer{
		raw:            raw,
		Buffer:         raw[offset : offset+size : offset+size],
		Offset:         offset,
		RequiredBytes:  size,
		AvailableBytes: size,
	}
}

// Return releases an AlignedBuffer back to its size-bucketed pool.
func (p *Pool) Return(b *AlignedBuffer) {
	if b == nil || b.raw == nil {
		return
	}
	size := len(b.Buffer)
	pool := p.poolFor(size)
	raw := b.raw
	pool.Put(&raw)
	b.raw = nil
	b.Buffer = nil
}
