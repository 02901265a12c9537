// Package device implements the abstract block-device capability the
// allocator consumes: sector-aligned asynchronous read/write over a
// segmented file space, plus segment deletion. Two concrete
// implementations are provided -- FileDevice, a POSIX file-backed device
// used in production, and MemDevice, an in-memory device used by tests
// and the property suite, with injectable per-call error codes.
package device

import (
	"github.com/pkg/errors"
)

// Completion is invoked when an async operation finishes. errorCode is 0
// on success; a non-zero code is never retried (FileDevice also logs it;
// MemDevice does not) -- it is surfaced to the caller unchanged, per the allocator's error
// handling design. ctx is the caller-supplied overlap context, echoed
// back verbatim.
type Completion func(errorCode int, bytesTransferred int64, ctx interface{})

// ErrDeviceClosed is returned by any operation issued after Close.
var ErrDeviceClosed = errors.New("device: closed")

// Device is the block-device capability required by the log allocator.
// All offsets and lengths must be multiples of SectorSize().
type Device interface {
	// WriteAsync writes src to the dense (non-segmented) address space at
	// fileOffset, used for the primary log's page-numbered writes.
	WriteAsync(src []byte, fileOffset int64, cb Completion, ctx interface{})
	// ReadAsync reads nBytes from fileOffset in the dense address space
	// into dst, used for the primary log's page-numbered reads.
	ReadAsync(fileOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{})

	// WriteSegmentAsync writes src at segmentOffset within segment,
	// used for the object log's per-segment append space.
	WriteSegmentAsync(segment int64, segmentOffset int64, src []byte, cb Completion, ctx interface{})
	// ReadSegmentAsync reads nBytes at segmentOffset within segment into
	// dst, used for the object log's per-segment read-back.
	ReadSegmentAsync(segment int64, segmentOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{})

	// DeleteSegmentRange deletes segments in [fromSeg, toSeg).
	DeleteSegmentRange(fromSeg, toSeg int64) error

	// SectorSize returns the alignment required of every offset and
	// length passed to this device.
	SectorSize() int

	// Close releases any OS resources held by the device.
	Close() error
}
