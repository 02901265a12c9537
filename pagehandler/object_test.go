package pagehandler

import (
	"bytes"
	"testing"

	assertion "github.com/stretchr/testify/assert"

	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/record"
)

func TestObjectHandlerInlinesSmallValues(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionNone)
	slot := make([]byte, 8)
	inline, err := h.EncodeValue(slot, []byte("small"))
	assert.NoError(err)
	assert.True(inline)
	assert.Equal([]byte("small"), ReadInlineSlot(slot))
}

func TestObjectHandlerDecodeInlineValueReversesWriteInlineSlot(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionNone)
	slot := make([]byte, 8)
	inline, err := h.EncodeValue(slot, []byte("small"))
	assert.NoError(err)
	assert.True(inline)
	assert.Equal([]byte("small"), h.DecodeInlineValue(slot))
}

func TestObjectHandlerRegistersLargeValues(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionNone)
	slot := make([]byte, 8)
	big := bytes.Repeat([]byte("x"), 128)
	inline, err := h.EncodeValue(slot, big)
	assert.NoError(err)
	assert.False(inline)

	handle := ReadHandleSlot(slot)
	got, err := h.ResolveLiveValue(slot)
	assert.NoError(err)
	assert.Equal(big, got)
	_ = handle
}

func TestObjectHandlerSerializeDeserializeRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionSnappy)
	l := h.Layout()

	page := make([]byte, l.Size())
	big := bytes.Repeat([]byte("payload-bytes"), 32)
	inline, err := h.EncodeValue(record.Value(page, 0, l), big)
	assert.NoError(err)
	assert.False(inline)
	record.SetHeader(page, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))
	copy(record.Key(page, 0, l), []byte("keybyte1"))

	var stream bytes.Buffer
	nextPtr, patches, err := h.Serialize(page, 0, len(page), config.DefaultObjectBlockSize, &stream)
	assert.NoError(err)
	assert.Equal(len(page), nextPtr)
	assert.Len(patches, 1)

	addr := AddressInfo{Offset: 1000, Size: patches[0].Size}
	addr.Encode(page[patches[0].SlotOffset : patches[0].SlotOffset+8])

	reader := NewObjectHandler(8, 7, config.CompressionSnappy)
	assert.NoError(reader.Deserialize(page, 0, len(page), &stream))

	got, err := reader.ResolveLiveValue(record.Value(page, 0, l))
	assert.NoError(err)
	assert.Equal(big, got)
}

func TestObjectHandlerGetObjectInfoFindsOutOfLineRecord(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionNone)
	l := h.Layout()
	page := make([]byte, l.Size()*2)

	// Record 0: inline, no object.
	record.SetHeader(page, 0, record.NewRecordInfo(0).WithValid(true).WithInline(true))
	// Record 1: out-of-line, with a fabricated on-disk AddressInfo.
	record.SetHeader(page, l.Size(), record.NewRecordInfo(0).WithValid(true).WithInline(false))
	AddressInfo{Offset: 42, Size: 99}.Encode(record.Value(page, l.Size(), l))

	nextPtr, objStart, objSize, found := h.GetObjectInfo(page, 0, len(page), config.DefaultObjectBlockSize)
	assert.True(found)
	assert.Equal(len(page), nextPtr)
	assert.Equal(int64(42), objStart)
	assert.Equal(int32(99), objSize)
}

func TestObjectHandlerClearPageReleasesLiveHandles(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionNone)
	l := h.Layout()
	page := make([]byte, l.Size())
	big := bytes.Repeat([]byte("y"), 64)
	_, err := h.EncodeValue(record.Value(page, 0, l), big)
	assert.NoError(err)
	record.SetHeader(page, 0, record.NewRecordInfo(0).WithValid(true))

	h.ClearPage(page, 0, len(page))
	_, err = h.ResolveLiveValue(record.Value(page, 0, l))
	assert.Equal(ErrNoSuchObject, err)
}

func TestObjectHandlerDecodeObjectPayloadReversesCompression(t *testing.T) {
	assert := assertion.New(t)
	h := NewObjectHandler(8, 7, config.CompressionLZ4)
	payload := bytes.Repeat([]byte("z"), 256)
	wire := h.compress(payload)
	out, err := h.DecodeObjectPayload(wire)
	assert.NoError(err)
	assert.Equal(payload, out)
}

func codecRoundTrip(t *testing.T, c compressor, d decompressor) {
	assert := assertion.New(t)
	payload := bytes.Repeat([]byte("hello-object-log-payload"), 64)
	wire := c(payload)
	out, err := d(wire)
	assert.NoError(err)
	assert.Equal(payload, out)
}

func TestNoneCodecRoundTrip(t *testing.T) {
	codecRoundTrip(t, noneCompress, noneDecompress)
}

func TestSnappyCodecRoundTrip(t *testing.T) {
	codecRoundTrip(t, snappyCompress, snappyDecompress)
}

func TestLZ4CodecRoundTrip(t *testing.T) {
	codecRoundTrip(t, lz4Compress, lz4Decompress)
}

func TestSnappyCodecShrinksRepetitiveData(t *testing.T) {
	assert := assertion.New(t)
	payload := bytes.Repeat([]byte{0x42}, 4096)
	wire := snappyCompress(payload)
	assert.True(len(wire) < len(payload))
}
