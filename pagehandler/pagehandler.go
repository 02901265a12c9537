// Package pagehandler implements the page-handler capability: it knows
// whether keys or values carry out-of-line objects and, if so, how to
// serialize them to the object log, deserialize them back, locate their
// on-disk ranges for read-back, and release them on eviction.
package pagehandler

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Revolution1/hlog/record"
)

// AddressInfo is the 8-byte on-disk back-reference stored in a record's
// object-address slot: a segment-relative byte offset and a size.
type AddressInfo struct {
	Offset uint32
	Size   uint32
}

// Encode writes a into dst[0:8].
func (a AddressInfo) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], a.Offset)
	binary.LittleEndian.PutUint32(dst[4:8], a.Size)
}

// DecodeAddressInfo reads an AddressInfo from src[0:8].
func DecodeAddressInfo(src []byte) AddressInfo {
	return AddressInfo{
		Offset: binary.LittleEndian.Uint32(src[0:4]),
		Size:   binary.LittleEndian.Uint32(src[4:8]),
	}
}

// PatchSlot identifies a byte range within a scratch page buffer holding
// an object-address slot that must be overwritten with a real
// AddressInfo once the object log reservation is known. RelativeOffset
// is the byte offset of the slot's object payload within the current
// batch's serialized stream; the flush engine adds the segment
// reservation base to it.
type PatchSlot struct {
	SlotOffset     int
	RelativeOffset uint32
	Size           uint32
}

// Handler is the page-handler capability required by the flush and read
// engines.
type Handler interface {
	// KeyHasObjects reports whether the key half of records carries
	// out-of-line objects.
	KeyHasObjects() bool
	// ValueHasObjects reports whether the value half of records carries
	// out-of-line objects.
	ValueHasObjects() bool
	// Layout describes the fixed on-disk shape of one record.
	Layout() record.Layout

	// ClearPage releases any live object handles referenced by records
	// in [start, end) of page, ahead of the allocator zeroing the slot.
	ClearPage(page []byte, start, end int)

	// Serialize walks records from ptr to end, writing the bytes of any
	// out-of-line object it finds to stream, until either end is
	// reached or the next payload would take stream past blockSize
	// bytes; a single payload larger than blockSize is written as a
	// batch of its own. It returns the
	// point it stopped at and the slots that must be patched with the
	// stream-relative reservation once the flush engine knows the
	// absolute object-log offset.
	Serialize(page []byte, ptr, end, blockSize int, stream *bytes.Buffer) (nextPtr int, patches []PatchSlot, err error)

	// Deserialize reads the object payload for the record range
	// [ptr, untilPtr) from stream and patches their in-record slots with
	// live handles.
	Deserialize(page []byte, ptr, untilPtr int, stream io.Reader) error

	// GetObjectInfo scans forward from ptr for the next record carrying
	// an out-of-line object, returning its on-disk range. It reports
	// found=false once it reaches end without finding one, with nextPtr
	// set to end.
	GetObjectInfo(page []byte, ptr, end, blockSize int) (nextPtr int, objStart int64, objSize int32, found bool)

	// DecodeObjectPayload reverses whatever wire transform Serialize
	// applied (currently just compression) to a fragment fetched
	// directly from the object log during a point read.
	DecodeObjectPayload(raw []byte) ([]byte, error)

	// ResolveLiveValue returns the current value bytes for a record's
	// value slot that is still resident in memory (i.e. above
	// HeadAddress, not yet flushed and evicted). For a handler with no
	// out-of-line values this is just valueSlot itself; for one that
	// carries live handles it dereferences the handle.
	ResolveLiveValue(valueSlot []byte) ([]byte, error)

	// EncodeValue writes value into valueSlot (which is exactly
	// Layout().ValueSize bytes), registering it in the live object table
	// and writing a handle instead of the raw bytes if it does not fit
	// inline. It reports whether the record's Inline header bit should
	// be set.
	EncodeValue(valueSlot, value []byte) (inline bool, err error)

	// DecodeInlineValue reverses EncodeValue's inline encoding, called
	// whenever a record's Inline header bit is set. For a handler with
	// no out-of-line values this is just valueSlot itself.
	DecodeInlineValue(valueSlot []byte) []byte
}

// ErrNoSuchObject is returned by GetObject when a handle is unknown --
// typically because the slot actually holds an already-flushed
// AddressInfo rather than a live handle.
var ErrNoSuchObject = errors.New("pagehandler: no such live object")
