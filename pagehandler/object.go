package pagehandler

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"

	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/record"
)

// compressor transforms an out-of-line payload before it is written to
// the object log; decompressor reverses it. The only consumer of these
// codecs is ObjectHandler, so they live here rather than in a standalone
// package.
type compressor func([]byte) []byte
type decompressor func([]byte) ([]byte, error)

var (
	snappyCompress compressor = func(in []byte) []byte {
		return snappy.Encode(nil, in)
	}
	snappyDecompress decompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	lz4Compress compressor = func(in []byte) []byte {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			panic(err)
		}
		_ = writer.Close()
		return buf.Bytes()
	}
	lz4Decompress decompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		_, err := buf.ReadFrom(lz4.NewReader(bytes.NewReader(in)))
		return buf.Bytes(), err
	}
)

var (
	noneCompress   compressor   = func(in []byte) []byte { return in }
	noneDecompress decompressor = func(in []byte) ([]byte, error) { return in, nil }
)

// ObjectHandler is the page-handler for a store whose values are
// variable-length byte strings. The record's fixed 8-byte value slot
// holds, depending on RecordInfo.Inline:
//   - true:  a 1-byte length (0..7) followed by up to 7 raw payload
//     bytes, for values small enough that an object-log round trip
//     would cost more than it saves;
//   - false: before flush, an opaque uint64 handle into this handler's
//     live object table; after flush (or after a read-back
//     deserializes it), an AddressInfo (segment-relative offset+size)
//     pointing into the object log.
//
// Keys never carry objects in this handler.
type ObjectHandler struct {
	layout          record.Layout
	inlineThreshold int
	compress        compressor
	decompress      decompressor

	nextHandle uint64
	mu         sync.Mutex
	live       map[uint64][]byte
}

// NewObjectHandler builds a handler for fixed-size keys and
// variable-length values, inlining values no larger than inlineThreshold
// bytes (capped at 7, the width available alongside the length prefix in
// the 8-byte value slot), and compressing out-of-line payloads on their
// way to the object log according to kind.
func NewObjectHandler(keySize, inlineThreshold int, kind config.CompressionKind) *ObjectHandler {
	if inlineThreshold > 7 {
		inlineThreshold = 7
	}
	h := &ObjectHandler{
		layout:          record.Layout{KeySize: keySize, ValueSize: 8},
		inlineThreshold: inlineThreshold,
		live:            make(map[uint64][]byte),
	}
	switch kind {
	case config.CompressionSnappy:
		h.compress, h.decompress = snappyCompress, snappyDecompress
	case config.CompressionLZ4:
		h.compress, h.decompress = lz4Compress, lz4Decompress
	default:
		h.compress, h.decompress = noneCompress, noneDecompress
	}
	return h
}

func (h *ObjectHandler) KeyHasObjects() bool   { return false }
func (h *ObjectHandler) ValueHasObjects() bool { return true }
func (h *ObjectHandler) Layout() record.Layout { return h.layout }

// PutObject registers bytes (copied) as a live out-of-line value and
// returns the handle to store in a record's value slot, along with
// whether the value should instead be written inline.
func (h *ObjectHandler) PutObject(payload []byte) (handle uint64, inline bool) {
	if len(payload) <= h.inlineThreshold {
		return 0, true
	}
	owned := append([]byte(nil), payload...)
	handle = atomic.AddUint64(&h.nextHandle, 1)
	h.mu.Lock()
	h.live[handle] = owned
	h.mu.Unlock()
	return handle, false
}

// GetObject returns the live bytes for a handle, or ErrNoSuchObject if
// unknown (e.g. the slot actually holds an already-flushed AddressInfo).
func (h *ObjectHandler) GetObject(handle uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live[handle]
	if !ok {
		return nil, ErrNoSuchObject
	}
	return b, nil
}

// ReleaseObject drops a handle from the live table. A miss is a no-op --
// ClearPage calls this unconditionally on every non-inline slot, some of
// which hold an on-disk AddressInfo rather than a handle.
func (h *ObjectHandler) ReleaseObject(handle uint64) {
	h.mu.Lock()
	delete(h.live, handle)
	h.mu.Unlock()
}

// WriteInlineSlot encodes payload (len(payload) <= inlineThreshold) into
// an 8-byte value slot.
func WriteInlineSlot(dst []byte, payload []byte) {
	dst[0] = byte(len(payload))
	copy(dst[1:], payload)
}

// ReadInlineSlot decodes a payload previously written by WriteInlineSlot.
func ReadInlineSlot(src []byte) []byte {
	n := int(src[0])
	out := make([]byte, n)
	copy(out, src[1:1+n])
	return out
}

// WriteHandleSlot encodes a live-object handle into an 8-byte value
// slot.
func WriteHandleSlot(dst []byte, handle uint64) {
	binary.LittleEndian.PutUint64(dst, handle)
}

// ReadHandleSlot decodes a handle previously written by WriteHandleSlot.
func ReadHandleSlot(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

func (h *ObjectHandler) ClearPage(page []byte, start, end int) {
	l := h.layout
	for ptr := start; ptr+l.Size() <= end; ptr += l.Size() {
		info := record.Header(page, ptr)
		if info.Inline() {
			continue
		}
		slot := record.Value(page, ptr, l)
		h.ReleaseObject(ReadHandleSlot(slot))
	}
}

func (h *ObjectHandler) Serialize(page []byte, ptr, end, blockSize int, stream *bytes.Buffer) (int, []PatchSlot, error) {
	l := h.layout
	var patches []PatchSlot
	for ptr+l.Size() <= end {
		if stream.Len() >= blockSize {
			break
		}
		info := record.Header(page, ptr)
		slot := record.Value(page, ptr, l)
		if !info.Inline() {
			handle := ReadHandleSlot(slot)
			payload, err := h.GetObject(handle)
			if err != nil {
				// Already flushed once (slot holds a real
				// AddressInfo, not a live handle); nothing to do.
				ptr += l.Size()
				continue
			}
			wire := h.compress(payload)
			if stream.Len() > 0 && stream.Len()+len(wire) > blockSize {
				break
			}
			patches = append(patches, PatchSlot{
				SlotOffset:     ptr + l.ValueOffset(),
				RelativeOffset: uint32(stream.Len()),
				Size:           uint32(len(wire)),
			})
			if _, err := stream.Write(wire); err != nil {
				return ptr, patches, errors.Wrap(err, "serializing object payload")
			}
		}
		ptr += l.Size()
	}
	return ptr, patches, nil
}

func (h *ObjectHandler) Deserialize(page []byte, ptr, untilPtr int, stream io.Reader) error {
	l := h.layout
	for ptr+l.Size() <= untilPtr {
		info := record.Header(page, ptr)
		if !info.Inline() {
			slot := record.Value(page, ptr, l)
			addr := DecodeAddressInfo(slot)
			wire := make([]byte, addr.Size)
			if addr.Size > 0 {
				if _, err := io.ReadFull(stream, wire); err != nil {
					return errors.Wrap(err, "reading object payload")
				}
			}
			payload, err := h.decompress(wire)
			if err != nil {
				return errors.Wrap(err, "decompressing object payload")
			}
			handle, inline := h.PutObject(payload)
			if inline {
				// Below the inline threshold on this handler
				// instance but was serialized out-of-line by
				// whichever handler wrote it originally; keep it
				// out-of-line for consistency with the on-disk
				// AddressInfo this record's value slot held and its
				// clear Inline header bit.
				handle = atomic.AddUint64(&h.nextHandle, 1)
				h.mu.Lock()
				h.live[handle] = payload
				h.mu.Unlock()
			}
			WriteHandleSlot(slot, handle)
		}
		ptr += l.Size()
	}
	return nil
}

// ResolveLiveValue dereferences a resident record's value-slot handle
// into the live object table. Callers must have already checked the
// record header's Inline bit; an inline value never reaches here.
func (h *ObjectHandler) ResolveLiveValue(valueSlot []byte) ([]byte, error) {
	return h.GetObject(ReadHandleSlot(valueSlot))
}

// EncodeValue registers value in the live object table (or writes it
// inline if it fits) and encodes the result into valueSlot.
func (h *ObjectHandler) EncodeValue(valueSlot, value []byte) (bool, error) {
	handle, inline := h.PutObject(value)
	if inline {
		WriteInlineSlot(valueSlot, value)
		return true, nil
	}
	WriteHandleSlot(valueSlot, handle)
	return false, nil
}

// DecodeObjectPayload decompresses a fragment fetched directly from the
// object log by a point read, reversing the codec Serialize applied.
func (h *ObjectHandler) DecodeObjectPayload(raw []byte) ([]byte, error) {
	return h.decompress(raw)
}

// DecodeInlineValue reverses WriteInlineSlot.
func (h *ObjectHandler) DecodeInlineValue(valueSlot []byte) []byte {
	return ReadInlineSlot(valueSlot)
}

func (h *ObjectHandler) GetObjectInfo(page []byte, ptr, end, blockSize int) (int, int64, int32, bool) {
	l := h.layout
	for ptr+l.Size() <= end {
		info := record.Header(page, ptr)
		if !info.Inline() {
			slot := record.Value(page, ptr, l)
			addr := DecodeAddressInfo(slot)
			return ptr + l.Size(), int64(addr.Offset), int32(addr.Size), true
		}
		ptr += l.Size()
	}
	return end, 0, 0, false
}
