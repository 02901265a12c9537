package hlog

import (
	"bytes"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/device"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/ringbuf"
	"github.com/Revolution1/hlog/status"
)

// FlushPage flushes the resident page pageNumber to the primary log
// device, splitting object payloads out to the object log device first
// if the configured handler declares that keys or values carry them. cb
// is invoked exactly once, after every write this flush issued has
// completed, with the first non-zero error code observed (0 on success).
func (a *Allocator) FlushPage(pageNumber uint64, cb func(errorCode int)) error {
	slotIdx := a.layout.Slot(a.layout.AddressOfPage(pageNumber))
	slot := a.bufs.Slot(slotIdx)
	if atomic.LoadUint64(&slot.PageNumber) != pageNumber {
		return errors.Errorf("hlog: page %d is not resident", pageNumber)
	}
	if !slot.Status.BeginFlush() {
		return errors.Errorf("hlog: page %d flush already in progress", pageNumber)
	}
	fileOffset := int64(pageNumber) * int64(a.layout.PageSize)

	if !a.handler.KeyHasObjects() && !a.handler.ValueHasObjects() {
		a.logDevice.WriteAsync(slot.Page(), fileOffset, func(code int, _ int64, _ interface{}) {
			a.finishFlush(pageNumber, slotIdx, code, cb)
		}, nil)
		return nil
	}

	go a.flushWithObjects(pageNumber, slot, a.logDevice, a.objDevice, a.segmentOffsets, fileOffset, func(code int) {
		a.finishFlush(pageNumber, slotIdx, code, cb)
	})
	return nil
}

// FlushPageSnapshot flushes pageNumber to a caller-supplied destination
// device and segment-offset table instead of the live log/object-log
// pair, used by checkpoint snapshotting to produce a dense image
// starting at startPage. The page is written the same way FlushPage
// writes it, but the live slot's status word and the durability
// watermarks are left untouched.
func (a *Allocator) FlushPageSnapshot(pageNumber, startPage uint64, dest device.Device, destObjects device.Device, segmentOffsets []uint64, cb func(errorCode int)) error {
	slot := a.bufs.Slot(a.layout.Slot(a.layout.AddressOfPage(pageNumber)))
	if atomic.LoadUint64(&slot.PageNumber) != pageNumber {
		return errors.Errorf("hlog: page %d is not resident", pageNumber)
	}
	fileOffset := int64(pageNumber-startPage) * int64(a.layout.PageSize)

	if !a.handler.KeyHasObjects() && !a.handler.ValueHasObjects() {
		scratch := a.pool.Get(int(a.layout.PageSize))
		copy(scratch.Buffer, slot.Page())
		dest.WriteAsync(scratch.Buffer, fileOffset, func(code int, _ int64, _ interface{}) {
			a.pool.Return(scratch)
			if cb != nil {
				cb(code)
			}
		}, nil)
		return nil
	}
	go a.flushWithObjects(pageNumber, slot, dest, destObjects, segmentOffsets, fileOffset, func(code int) {
		if cb != nil {
			cb(code)
		}
	})
	return nil
}

// flushWithObjects implements the object-log split path of section 4.4:
// copy the page to a scratch buffer, walk it in blockSize-bounded
// batches through the handler's Serialize, reserve and write each
// batch's payload to the object log, patch the scratch copy's
// AddressInfo slots, and finally write the patched scratch page to the
// destination log. finalize is invoked exactly once with the first
// non-zero error code observed (0 on success); it owns whatever
// bookkeeping is appropriate for the caller -- FlushPage's finalize
// mutates the live slot's status word and watermarks, while
// FlushPageSnapshot's leaves the live slot untouched since the
// destination is a side write to a checkpoint, not the live log.
func (a *Allocator) flushWithObjects(pageNumber uint64, slot *ringbuf.Slot, logDev, objDev device.Device, segmentOffsets []uint64, fileOffset int64, finalize func(int)) {
	scratch := a.pool.Get(int(a.layout.PageSize))
	copy(scratch.Buffer, slot.Page())

	start := 0
	if pageNumber == 0 {
		start = int(address.FirstValidAddress)
	}
	end := len(scratch.Buffer)
	segID := int64(address.Segment(pageNumber, a.pagesPerSegment))

	ptr := start
	for ptr < end {
		var stream bytes.Buffer
		nextPtr, patches, err := a.handler.Serialize(scratch.Buffer, ptr, end, a.cfg.ObjectBlockSize, &stream)
		if err != nil {
			a.log.WithError(err).WithField("page", pageNumber).Error("object serialize failed")
			a.pool.Return(scratch)
			finalize(-1)
			return
		}

		payload := stream.Bytes()
		sectorSize := objDev.SectorSize()
		alignedLen := alignUp(len(payload), sectorSize)
		reservation := a.reserveSegmentSpace(segmentOffsets, segID, int64(alignedLen))

		for _, p := range patches {
			addr := pagehandler.AddressInfo{Offset: uint32(reservation) + p.RelativeOffset, Size: p.Size}
			addr.Encode(scratch.Buffer[p.SlotOffset : p.SlotOffset+8])
		}

		buf := make([]byte, alignedLen)
		copy(buf, payload)
		final := nextPtr >= end

		if final {
			objDev.WriteSegmentAsync(segID, reservation, buf, func(code int, _ int64, _ interface{}) {
				if code != 0 {
					a.log.WithFields(log.Fields{"page": pageNumber, "segment": segID, "errorCode": code}).
						Warn("object log write failed")
					a.pool.Return(scratch)
					finalize(code)
					return
				}
				logDev.WriteAsync(scratch.Buffer, fileOffset, func(code2 int, _ int64, _ interface{}) {
					a.pool.Return(scratch)
					finalize(code2)
				}, nil)
			}, nil)
			return
		}

		done := make(chan int, 1)
		objDev.WriteSegmentAsync(segID, reservation, buf, func(code int, _ int64, _ interface{}) {
			done <- code
		}, nil)
		if code := <-done; code != 0 {
			a.log.WithFields(log.Fields{"page": pageNumber, "segment": segID, "errorCode": code}).
				Warn("object log write failed")
			a.pool.Return(scratch)
			finalize(code)
			return
		}
		ptr = nextPtr
	}

	// Only reached when start >= end, so the loop ran no batch; a page
	// with no out-of-line objects takes the final-batch branch above
	// with an empty object-log write. Write the scratch copy directly.
	logDev.WriteAsync(scratch.Buffer, fileOffset, func(code int, _ int64, _ interface{}) {
		a.pool.Return(scratch)
		finalize(code)
	}, nil)
}

func (a *Allocator) reserveSegmentSpace(segmentOffsets []uint64, segID int64, n int64) int64 {
	idx := uint64(segID) % uint64(len(segmentOffsets))
	old := atomic.AddUint64(&segmentOffsets[idx], uint64(n)) - uint64(n)
	return int64(old)
}

// finishFlush runs the packed-status CAS transition described in
// section 4.3: it publishes Flushed, and if Closed was already observed
// at that instant, clears the page and only then publishes Cleared,
// returning the slot to the pool of reusable slots. Until PublishCleared
// runs, the slot's status word reports Closed rather than Cleared, so a
// concurrent Allocate cannot observe the slot as reusable while
// clearPage is still in flight.
func (a *Allocator) finishFlush(pageNumber, slotIdx uint64, errorCode int, cb func(int)) {
	slot := a.bufs.Slot(slotIdx)
	if errorCode != 0 {
		a.log.WithFields(log.Fields{"page": pageNumber, "errorCode": errorCode}).Warn("flush failed")
	} else {
		slot.SetLastFlushedUntil(a.layout.AddressOfPage(pageNumber) + a.layout.PageSize)
	}

	closeSeen := slot.Status.CompleteFlush()
	if closeSeen == status.Closed {
		a.bufs.ClearPage(slotIdx, pageNumber == 0, a.handler)
		slot.Status.PublishCleared()
	}

	a.flushed.Store(pageNumber, errorCode == 0)
	a.shiftFlushedUntilAddress()

	if cb != nil {
		cb(errorCode)
	}
}

// shiftFlushedUntilAddress advances FlushedUntilAddress across every
// consecutive successfully-flushed page starting at its current page,
// stopping at the first gap (an unflushed or failed page), per the
// smallest-page-number-first tie-break in section 4.4.
func (a *Allocator) shiftFlushedUntilAddress() {
	for {
		cur := atomic.LoadUint64(&a.flushedUntilAddress)
		page := a.layout.Page(cur)
		v, ok := a.flushed.Load(page)
		if !ok {
			return
		}
		if success, _ := v.(bool); !success {
			return
		}
		next := a.layout.AddressOfPage(page + 1)
		if atomic.CompareAndSwapUint64(&a.flushedUntilAddress, cur, next) {
			a.flushed.Delete(page)
			continue
		}
	}
}
