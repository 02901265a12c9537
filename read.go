package hlog

import (
	"bytes"
	"hash/crc32"
	"sync/atomic"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/record"
)

// castagnoliTable is the CRC32C polynomial used for per-record checksums.
// The teacher never computes a checksum anywhere -- HeadPage.Checksum and
// Page.CheckSum are declared fields db.go's init() never writes. kevo's
// wal.go computes crc32.ChecksumIEEE per record; this uses the Castagnoli
// variant instead for its hardware-accelerated path in the Go runtime.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// checksumRecord computes the CRC32C of a record's key and value-slot
// bytes (everything after the fixed header).
func checksumRecord(rec []byte) uint32 {
	return crc32.Checksum(rec[record.HeaderSize:], castagnoliTable)
}

// ReadPageAsync reads pageNumber from the primary log device into a
// freshly allocated buffer, reinflating any out-of-line objects the page
// contains before invoking cb. It is used for pages below HeadAddress,
// no longer resident in the ring buffer.
func (a *Allocator) ReadPageAsync(pageNumber uint64, cb func(page []byte, errorCode int)) error {
	pageSize := int(a.layout.PageSize)
	buf := a.pool.Get(pageSize)
	fileOffset := int64(pageNumber) * int64(pageSize)
	a.logDevice.ReadAsync(fileOffset, buf.Buffer, pageSize, func(code int, _ int64, _ interface{}) {
		if code != 0 {
			a.pool.Return(buf)
			cb(nil, code)
			return
		}
		a.reinflateObjects(pageNumber, buf.Buffer, func(err error) {
			if err != nil {
				a.pool.Return(buf)
				cb(nil, -1)
				return
			}
			out := make([]byte, pageSize)
			copy(out, buf.Buffer)
			a.pool.Return(buf)
			cb(out, 0)
		})
	}, nil)
	return nil
}

// reinflateObjects walks page for records carrying out-of-line objects
// and resolves each one from the object log in turn, per the resumeptr
// chaining described in section 4.5: each record's own AddressInfo
// already names its exact segment-relative byte range, so no shared
// batch state needs to be reconstructed across the chain.
func (a *Allocator) reinflateObjects(pageNumber uint64, page []byte, cb func(err error)) {
	if !a.handler.KeyHasObjects() && !a.handler.ValueHasObjects() {
		cb(nil)
		return
	}
	start := 0
	if pageNumber == 0 {
		start = int(address.FirstValidAddress)
	}
	end := len(page)
	segID := int64(address.Segment(pageNumber, a.pagesPerSegment))
	recSize := a.handler.Layout().Size()

	var step func(ptr int)
	step = func(ptr int) {
		nextPtr, objStart, objSize, found := a.handler.GetObjectInfo(page, ptr, end, a.cfg.ObjectBlockSize)
		if !found {
			cb(nil)
			return
		}
		if int64(objSize) > config.MaxObjectFragment {
			cb(ErrOversizedObject)
			return
		}
		recordStart := nextPtr - recSize
		buf := a.pool.Get(alignUp(int(objSize), a.objDevice.SectorSize()))
		a.objDevice.ReadSegmentAsync(segID, objStart, buf.Buffer, int(objSize), func(code int, _ int64, _ interface{}) {
			if code != 0 {
				a.pool.Return(buf)
				cb(NewDeviceError("read object", code))
				return
			}
			err := a.handler.Deserialize(page, recordStart, nextPtr, bytes.NewReader(buf.Buffer[:objSize]))
			a.pool.Return(buf)
			if err != nil {
				cb(err)
				return
			}
			step(nextPtr)
		}, nil)
	}
	step(start)
}

// ReadRecordToMemory reads the single fixed-layout record at logical,
// resolving its value from either the live ring buffer (if logical is
// still within [HeadAddress, TailAddress)) or the backing devices
// otherwise, and verifies its checksum when cfg.VerifyChecksums is set.
func (a *Allocator) ReadRecordToMemory(cfg config.Config, logical uint64, cb func(key, value []byte, err error)) error {
	l := a.handler.Layout()
	recSize := l.Size()
	pageNumber := a.layout.Page(logical)

	if logical >= atomic.LoadUint64(&a.headAddress) {
		page := a.PhysicalSlice(logical)
		if len(page) < recSize {
			cb(nil, nil, errRecordTruncated)
			return nil
		}
		a.decodeResidentRecord(cfg, page[:recSize], cb)
		return nil
	}

	pageOff := a.layout.Offset(logical)
	fileOffset := int64(pageNumber)*int64(a.layout.PageSize) + int64(pageOff)
	sectorSize := int64(a.logDevice.SectorSize())
	alignedStart := alignDown(fileOffset, sectorSize)
	alignedEnd := alignDown(fileOffset+int64(recSize)+sectorSize-1, sectorSize)

	buf := a.pool.Get(int(alignedEnd - alignedStart))
	a.logDevice.ReadAsync(alignedStart, buf.Buffer, len(buf.Buffer), func(code int, _ int64, _ interface{}) {
		if code != 0 {
			a.pool.Return(buf)
			cb(nil, nil, NewDeviceError("read record", code))
			return
		}
		localOff := int(fileOffset - alignedStart)
		rec := buf.Buffer[localOff : localOff+recSize]
		a.decodeOnDiskRecord(cfg, pageNumber, rec, func(key, value []byte, err error) {
			a.pool.Return(buf)
			cb(key, value, err)
		})
	}, nil)
	return nil
}

// decodeHeader validates rec's header and checksum and copies out its
// key and value slot, common to both the resident and on-disk paths.
func (a *Allocator) decodeHeader(cfg config.Config, rec []byte) (key, valueSlot []byte, info record.RecordInfo, err error) {
	l := a.handler.Layout()
	info = record.Header(rec, 0)
	if !info.Valid() {
		return nil, nil, info, errRecordNotValid
	}
	if cfg.VerifyChecksums && info.Checksum() != 0 && checksumRecord(rec) != info.Checksum() {
		a.log.Warn("record checksum mismatch")
		return nil, nil, info, ErrChecksumMismatch
	}
	key = append([]byte(nil), record.Key(rec, 0, l)...)
	valueSlot = record.Value(rec, 0, l)
	return key, valueSlot, info, nil
}

// decodeResidentRecord resolves a record's value while it is still live
// in the ring buffer: an out-of-line value is a handle into the page
// handler's live object table, not yet an on-disk AddressInfo.
func (a *Allocator) decodeResidentRecord(cfg config.Config, rec []byte, cb func(key, value []byte, err error)) {
	key, valueSlot, info, err := a.decodeHeader(cfg, rec)
	if err != nil {
		cb(nil, nil, err)
		return
	}
	if !a.handler.ValueHasObjects() {
		cb(key, append([]byte(nil), valueSlot...), nil)
		return
	}
	if info.Inline() {
		cb(key, a.handler.DecodeInlineValue(valueSlot), nil)
		return
	}
	value, err := a.handler.ResolveLiveValue(valueSlot)
	if err != nil {
		cb(nil, nil, err)
		return
	}
	cb(key, value, nil)
}

// decodeOnDiskRecord resolves a record's value once it has been flushed:
// an out-of-line value's slot holds a real AddressInfo pointing into the
// object log, fetched with a single ReadSegmentAsync.
func (a *Allocator) decodeOnDiskRecord(cfg config.Config, pageNumber uint64, rec []byte, cb func(key, value []byte, err error)) {
	key, valueSlot, info, err := a.decodeHeader(cfg, rec)
	if err != nil {
		cb(nil, nil, err)
		return
	}
	if !a.handler.ValueHasObjects() {
		cb(key, append([]byte(nil), valueSlot...), nil)
		return
	}
	if info.Inline() {
		cb(key, a.handler.DecodeInlineValue(valueSlot), nil)
		return
	}

	_, objStart, objSize, found := a.handler.GetObjectInfo(rec, 0, len(rec), a.cfg.ObjectBlockSize)
	if !found {
		cb(nil, nil, errRecordTruncated)
		return
	}
	if int64(objSize) > config.MaxObjectFragment {
		cb(nil, nil, ErrOversizedObject)
		return
	}
	segID := int64(address.Segment(pageNumber, a.pagesPerSegment))
	buf := a.pool.Get(alignUp(int(objSize), a.objDevice.SectorSize()))
	a.objDevice.ReadSegmentAsync(segID, objStart, buf.Buffer, int(objSize), func(code int, _ int64, _ interface{}) {
		defer a.pool.Return(buf)
		if code != 0 {
			cb(nil, nil, NewDeviceError("read object", code))
			return
		}
		value, err := a.handler.DecodeObjectPayload(buf.Buffer[:objSize])
		if err != nil {
			cb(nil, nil, err)
			return
		}
		cb(key, value, nil)
	}, nil)
}
