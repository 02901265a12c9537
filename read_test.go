package hlog

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"

	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/record"
)

func syncGet(t *testing.T, a *Allocator, cfg config.Config, logical uint64) (key, value []byte, err error) {
	done := make(chan struct{})
	assertion.New(t).NoError(a.ReadRecordToMemory(cfg, logical, func(k, v []byte, e error) {
		key, value, err = k, v, e
		close(done)
	}))
	<-done
	return
}

func TestReadResidentBlittableRecord(t *testing.T) {
	assert := assertion.New(t)
	a, cfg := newTestAllocator(t)
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	record.Write(rec, 0, l, record.NewRecordInfo(0).WithValid(true), []byte("keyaaaaa"), []byte("valueaaa"))

	key, value, err := syncGet(t, a, cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal([]byte("valueaaa"), value)
}

func TestReadResidentRecordRejectsInvalid(t *testing.T) {
	assert := assertion.New(t)
	a, cfg := newTestAllocator(t)
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	// Never publish the record as valid.

	_, _, err = syncGet(t, a, cfg, addr)
	assert.Equal(errRecordNotValid, err)
}

func TestReadResidentRecordChecksumMismatch(t *testing.T) {
	assert := assertion.New(t)
	a, cfg := newTestAllocator(t)
	cfg.VerifyChecksums = true
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	record.Write(rec, 0, l, record.NewRecordInfo(0).WithValid(true).WithChecksum(0xBAD), []byte("keyaaaaa"), []byte("valueaaa"))

	_, _, err = syncGet(t, a, cfg, addr)
	assert.Equal(ErrChecksumMismatch, err)
}

func TestReadResidentObjectRecordResolvesLiveHandle(t *testing.T) {
	assert := assertion.New(t)
	a := newObjectTestAllocator(t)
	cfg := a.cfg
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	big := []byte("a value long enough to require an out-of-line object")
	inline, err := a.handler.EncodeValue(record.Value(rec, 0, l), big)
	assert.NoError(err)
	copy(record.Key(rec, 0, l), []byte("keyaaaaa"))
	record.SetHeader(rec, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))

	key, value, err := syncGet(t, a, cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal(big, value)
}

func TestReadResidentObjectRecordDecodesInlineValue(t *testing.T) {
	assert := assertion.New(t)
	a := newObjectTestAllocator(t)
	cfg := a.cfg
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	small := []byte("tiny")
	inline, err := a.handler.EncodeValue(record.Value(rec, 0, l), small)
	assert.NoError(err)
	assert.True(inline)
	copy(record.Key(rec, 0, l), []byte("keyaaaaa"))
	record.SetHeader(rec, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))

	key, value, err := syncGet(t, a, cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal(small, value)
}

func TestReadOnDiskObjectRecordDecodesInlineValueAfterFlush(t *testing.T) {
	assert := assertion.New(t)
	a := newObjectTestAllocator(t)
	cfg := a.cfg
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	small := []byte("tiny")
	inline, err := a.handler.EncodeValue(record.Value(rec, 0, l), small)
	assert.NoError(err)
	assert.True(inline)
	copy(record.Key(rec, 0, l), []byte("keyaaaaa"))
	record.SetHeader(rec, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))

	assert.Equal(0, awaitFlush(t, a, 0))
	a.ShiftHeadAddress(a.layout.PageSize)

	key, value, err := syncGet(t, a, cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal(small, value)
}

func TestReadOnDiskRecordAfterFlushResolvesObjectFromDevice(t *testing.T) {
	assert := assertion.New(t)
	a := newObjectTestAllocator(t)
	cfg := a.cfg
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	big := []byte("a value long enough to require an out-of-line object")
	inline, err := a.handler.EncodeValue(record.Value(rec, 0, l), big)
	assert.NoError(err)
	copy(record.Key(rec, 0, l), []byte("keyaaaaa"))
	record.SetHeader(rec, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))

	assert.Equal(0, awaitFlush(t, a, 0))

	// Force the read path onto the on-disk branch by reporting the
	// address as no longer resident.
	a.ShiftHeadAddress(a.layout.PageSize)

	key, value, err := syncGet(t, a, cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal(big, value)
}

func TestReadPageAsyncReinflatesObjects(t *testing.T) {
	assert := assertion.New(t)
	a := newObjectTestAllocator(t)
	l := a.handler.Layout()

	addr, err := a.Allocate(l.Size())
	assert.NoError(err)
	rec := a.PhysicalSlice(addr)[:l.Size()]
	big := []byte("a value long enough to require an out-of-line object")
	inline, err := a.handler.EncodeValue(record.Value(rec, 0, l), big)
	assert.NoError(err)
	copy(record.Key(rec, 0, l), []byte("keyaaaaa"))
	record.SetHeader(rec, 0, record.NewRecordInfo(0).WithValid(true).WithInline(inline))
	assert.Equal(0, awaitFlush(t, a, 0))

	done := make(chan struct{})
	var page []byte
	var code int
	assert.NoError(a.ReadPageAsync(0, func(p []byte, c int) {
		page, code = p, c
		close(done)
	}))
	<-done
	assert.Equal(0, code)

	off := int(a.layout.Offset(addr))
	got := record.Header(page, off)
	assert.True(got.Valid())
	v, err := a.handler.ResolveLiveValue(record.Value(page, off, l))
	assert.NoError(err)
	assert.Equal(big, v)
}
