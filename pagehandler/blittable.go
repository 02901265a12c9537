package pagehandler

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/Revolution1/hlog/record"
)

// BlittableHandler is the page-handler for a pure fixed-layout store:
// neither the key nor the value ever carries an out-of-line object, so
// the flush and read engines take the single-write/single-read fast
// path and never call the serialization methods below.
type BlittableHandler struct {
	layout record.Layout
}

// NewBlittableHandler builds a handler for records with the given fixed
// key and value sizes.
func NewBlittableHandler(keySize, valueSize int) *BlittableHandler {
	return &BlittableHandler{layout: record.Layout{KeySize: keySize, ValueSize: valueSize}}
}

func (b *BlittableHandler) KeyHasObjects() bool     { return false }
func (b *BlittableHandler) ValueHasObjects() bool   { return false }
func (b *BlittableHandler) Layout() record.Layout   { return b.layout }
func (b *BlittableHandler) ClearPage([]byte, int, int) {}

func (b *BlittableHandler) Serialize(page []byte, ptr, end, blockSize int, stream *bytes.Buffer) (int, []PatchSlot, error) {
	return end, nil, nil
}

func (b *BlittableHandler) Deserialize(page []byte, ptr, untilPtr int, stream io.Reader) error {
	return nil
}

func (b *BlittableHandler) GetObjectInfo(page []byte, ptr, end, blockSize int) (int, int64, int32, bool) {
	return end, 0, 0, false
}

func (b *BlittableHandler) DecodeObjectPayload(raw []byte) ([]byte, error) { return raw, nil }

func (b *BlittableHandler) ResolveLiveValue(valueSlot []byte) ([]byte, error) {
	return append([]byte(nil), valueSlot...), nil
}

func (b *BlittableHandler) EncodeValue(valueSlot, value []byte) (bool, error) {
	if len(value) != len(valueSlot) {
		return false, errors.Errorf("pagehandler: value size %d does not match fixed slot size %d", len(value), len(valueSlot))
	}
	copy(valueSlot, value)
	return false, nil
}

func (b *BlittableHandler) DecodeInlineValue(valueSlot []byte) []byte {
	return append([]byte(nil), valueSlot...)
}
