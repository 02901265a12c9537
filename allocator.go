// Package hlog implements the page-resident log allocator of a hybrid
// log-structured key/value store: a bounded circular buffer of
// fixed-size resident pages backed by a primary log device and an
// optional object log device, with lock-free allocation, asynchronous
// two-device flush, and asynchronous object-aware read-back.
package hlog

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/bufpool"
	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/device"
	"github.com/Revolution1/hlog/epoch"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/ringbuf"
	"github.com/Revolution1/hlog/status"
)

// Allocator is the page-resident log allocator: the state machine tying
// together the circular page buffer, the two backing devices, the
// page-handler capability, and the watermarks the enclosing store reads.
type Allocator struct {
	cfg             config.Config
	layout          address.Layout
	pagesPerSegment uint64

	logDevice device.Device
	objDevice device.Device
	handler   pagehandler.Handler

	bufs *ringbuf.Buffer
	pool *bufpool.Pool
	Epoch *epoch.Manager

	tail                uint64
	beginAddress        uint64
	headAddress         uint64
	safeHeadAddress     uint64
	readOnlyAddress     uint64
	safeReadOnlyAddress uint64
	flushedUntilAddress uint64

	// flushed records, per dense page number, whether that page's most
	// recent flush attempt succeeded. shiftFlushedUntilAddress consumes
	// entries in page order and deletes them once passed.
	flushed sync.Map

	materializeMu sync.Mutex

	segmentOffsets []uint64

	log *log.Entry
}

// NewAllocator validates cfg and constructs an Allocator around the
// given devices and page handler. logDevice is required; objDevice is
// required only if the handler declares that keys or values carry
// out-of-line objects.
func NewAllocator(cfg config.Config, logDevice device.Device, objDevice device.Device, handler pagehandler.Handler) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logDevice == nil {
		return nil, errors.New("configuration error: log device is required")
	}
	if handler == nil {
		return nil, errors.New("configuration error: page handler is required")
	}
	if (handler.KeyHasObjects() || handler.ValueHasObjects()) && (objDevice == nil || !cfg.UseObjectLog) {
		return nil, errors.New("configuration error: object log required but not provided")
	}
	layout, err := address.NewLayout(cfg.PageSize, cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:             cfg,
		layout:          layout,
		pagesPerSegment: cfg.PagesPerSegment,
		logDevice:       logDevice,
		objDevice:       objDevice,
		handler:         handler,
		bufs:            ringbuf.New(layout, cfg.SectorSize),
		pool:            bufpool.NewPool(cfg.SectorSize),
		Epoch:           epoch.NewManager(),
		segmentOffsets:  make([]uint64, cfg.SegmentBufferSize),
		log:             log.WithField("component", "hlog"),
	}

	// Materialize page zero up front and reserve the FIRST_VALID_ADDR
	// prefix by starting the tail past it.
	slot0 := a.bufs.AllocatePage(0, 0)
	slot0.Status.Store(status.Pack(status.Flushed, status.Open))
	a.beginAddress = address.FirstValidAddress
	a.tail = address.FirstValidAddress
	a.readOnlyAddress = address.FirstValidAddress
	a.safeReadOnlyAddress = address.FirstValidAddress

	return a, nil
}

// Layout exposes the address layout in effect for this allocator.
func (a *Allocator) Layout() address.Layout { return a.layout }

// Handler returns the configured page-handler capability.
func (a *Allocator) Handler() pagehandler.Handler { return a.handler }

func casMaxUint64(addr *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, v) {
			return
		}
	}
}

// BeginAddress is the lowest logical address still reachable in the log.
func (a *Allocator) BeginAddress() uint64 { return atomic.LoadUint64(&a.beginAddress) }

// HeadAddress is the lowest logical address still resident in memory.
func (a *Allocator) HeadAddress() uint64 { return atomic.LoadUint64(&a.headAddress) }

// SafeHeadAddress is HeadAddress, lagged until the epoch confirms no
// protected thread still references a page below it.
func (a *Allocator) SafeHeadAddress() uint64 { return atomic.LoadUint64(&a.safeHeadAddress) }

// ReadOnlyAddress is the boundary below which pages are no longer
// mutated in place and become eligible for flush.
func (a *Allocator) ReadOnlyAddress() uint64 { return atomic.LoadUint64(&a.readOnlyAddress) }

// SafeReadOnlyAddress is ReadOnlyAddress, lagged until the epoch
// confirms no protected thread is still concurrently mutating a record
// below it.
func (a *Allocator) SafeReadOnlyAddress() uint64 {
	return atomic.LoadUint64(&a.safeReadOnlyAddress)
}

// TailAddress is the next logical address Allocate will hand out.
func (a *Allocator) TailAddress() uint64 { return atomic.LoadUint64(&a.tail) }

// FlushedUntilAddress is the highest logical address for which every
// preceding page's flush has completed durably, with no gaps.
func (a *Allocator) FlushedUntilAddress() uint64 { return atomic.LoadUint64(&a.flushedUntilAddress) }

// PhysicalSlice translates a logical address into the resident byte
// slice it currently maps to, from the address's offset within its page
// to the end of the page. Callers must ensure the address lies within
// the live window; no bounds check is performed.
func (a *Allocator) PhysicalSlice(logical uint64) []byte {
	page := a.bufs.PhysicalPage(logical)
	off := a.bufs.PhysicalOffset(logical)
	return page[off:]
}

// Allocate atomically advances the tail by n bytes and returns the
// logical address at which they may be written. If the allocation would
// straddle a page boundary it skips to the next page start; if that
// next page is not yet materialized and the slot it would occupy is not
// currently reusable, Allocate returns AllocationStall and the caller
// should refresh its epoch and retry.
func (a *Allocator) Allocate(n int) (uint64, error) {
	for {
		tail := atomic.LoadUint64(&a.tail)
		pageStart := a.layout.PageStart(tail)
		pageEnd := pageStart + a.layout.PageSize
		start := tail
		if tail+uint64(n) > pageEnd {
			start = pageEnd
		}
		newTail := start + uint64(n)
		targetPage := a.layout.Page(start)
		slotIdx := a.layout.Slot(start)
		slot := a.bufs.Slot(slotIdx)

		if start == pageEnd || atomic.LoadUint64(&slot.PageNumber) != targetPage {
			if err := a.ensurePageWritable(slotIdx, targetPage); err != nil {
				return 0, err
			}
		}
		if !atomic.CompareAndSwapUint64(&a.tail, tail, newTail) {
			continue
		}
		return start, nil
	}
}

// ensurePageWritable materializes slot idx for targetPage if it is not
// already resident and open for writes. It fails with AllocationStall if
// the slot's current occupant has not yet been fully evicted and
// flushed.
func (a *Allocator) ensurePageWritable(slotIdx, targetPage uint64) error {
	slot := a.bufs.Slot(slotIdx)
	if atomic.LoadUint64(&slot.PageNumber) == targetPage && slot.Status.Load().Close() == status.Open {
		return nil
	}
	a.materializeMu.Lock()
	defer a.materializeMu.Unlock()
	if atomic.LoadUint64(&slot.PageNumber) == targetPage && slot.Status.Load().Close() == status.Open {
		return nil
	}
	if !slot.Status.Load().ReusableEmpty() {
		return AllocationStall
	}
	a.bufs.AllocatePage(slotIdx, targetPage)
	slot.Status.Store(status.Pack(status.Flushed, status.Open))
	a.flushed.Delete(targetPage)
	return nil
}

// ShiftReadOnlyAddress bumps ReadOnlyAddress to newReadOnly (a no-op if
// it is already at least that high) and schedules SafeReadOnlyAddress to
// catch up once the epoch confirms every protected thread has observed
// the new boundary, per the epoch collaborator contract in section 5.
func (a *Allocator) ShiftReadOnlyAddress(newReadOnly uint64) {
	casMaxUint64(&a.readOnlyAddress, newReadOnly)
	a.Epoch.BumpCurrentEpoch(func() {
		casMaxUint64(&a.safeReadOnlyAddress, newReadOnly)
	})
}

// ShiftHeadAddress requests eviction of every page from the current
// HeadAddress's page up to the last page starting below newHead: their
// close status is set immediately (running clearPage
// inline when their flush has already completed), HeadAddress is bumped
// to newHead, and SafeHeadAddress is scheduled to catch up once the
// epoch confirms no protected reader still holds a pointer below it.
func (a *Allocator) ShiftHeadAddress(newHead uint64) {
	oldHead := a.HeadAddress()
	for p := a.layout.Page(oldHead); a.layout.AddressOfPage(p) < newHead; p++ {
		a.closePage(p)
	}
	casMaxUint64(&a.headAddress, newHead)
	a.Epoch.BumpCurrentEpoch(func() {
		casMaxUint64(&a.safeHeadAddress, newHead)
	})
}

// closePage requests eviction of a single page. If the flush completion
// has already been observed, the closing thread is responsible for
// running clearPage itself and publishing the slot as reusable
// afterward, since the flush completer will never see Closed to do it
// -- the reverse case is handled symmetrically in finishFlush. Until
// PublishCleared runs, the slot's status word reports Closed rather
// than Cleared, so ensurePageWritable cannot observe it as reusable
// while clearPage is still in flight.
func (a *Allocator) closePage(pageNumber uint64) {
	slotIdx := a.layout.Slot(a.layout.AddressOfPage(pageNumber))
	slot := a.bufs.Slot(slotIdx)
	if atomic.LoadUint64(&slot.PageNumber) != pageNumber {
		return
	}
	flushSeen := slot.Status.RequestClose()
	if flushSeen == status.Flushed {
		a.bufs.ClearPage(slotIdx, pageNumber == 0, a.handler)
		slot.Status.PublishCleared()
	}
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int) int {
	if align <= 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// alignDown rounds n down to a multiple of align.
func alignDown(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	return n &^ (align - 1)
}
