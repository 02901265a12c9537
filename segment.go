package hlog

import (
	"sync/atomic"

	"github.com/Revolution1/hlog/address"
)

// SegmentClosed resets the live reservation offset for segment so a new
// segment reusing the same segmentOffsets slot starts from zero. Callers
// invoke this once a segment has been sealed (e.g. after checkpointing)
// and no further object-log writes will target it.
func (a *Allocator) SegmentClosed(segment int64) {
	idx := uint64(segment) % uint64(len(a.segmentOffsets))
	atomic.StoreUint64(&a.segmentOffsets[idx], 0)
}

// DeleteAddressRange reclaims storage for the closed logical address
// range [from, to). The primary log in this implementation is a single
// dense file rather than a set of per-segment files, so there is no unit
// of the primary log to literally delete; only the object log, which is
// genuinely segmented on disk, has anything to reclaim. Callers that also
// want to shrink the primary log file are expected to do so at a higher
// level (e.g. by punching holes in the dense file; FileDevice.Preallocate
// only reserves space), which is out of scope for the allocator itself.
func (a *Allocator) DeleteAddressRange(from, to uint64) error {
	if a.objDevice == nil {
		return nil
	}
	fromPage := a.layout.Page(from)
	toPage := a.layout.Page(to)
	fromSeg := int64(address.Segment(fromPage, a.pagesPerSegment))
	toSeg := int64(address.Segment(toPage, a.pagesPerSegment))
	if fromSeg >= toSeg {
		return nil
	}
	return a.objDevice.DeleteSegmentRange(fromSeg, toSeg)
}
