package hlog

import "github.com/pkg/errors"

// AllocationStall is returned by Allocate when the target page is not
// yet materialized or not currently writable. It is not fatal: the
// caller should refresh its epoch and retry.
var AllocationStall = errors.New("hlog: allocation stall, refresh epoch and retry")

// ErrOversizedObject is returned when an object-log fragment exceeds the
// 2 GiB limit on read. It is fatal for that read.
var ErrOversizedObject = errors.New("hlog: object-log fragment exceeds 2GiB limit")

// ErrChecksumMismatch is a DeviceError-class error: it is logged and the
// slot is still released, but the read fails.
var ErrChecksumMismatch = errors.New("hlog: record checksum mismatch")

// errRecordNotValid is returned by a read that lands on a slot the
// allocator has reserved but the caller has not yet finished writing.
var errRecordNotValid = errors.New("hlog: record not yet valid")

// errRecordTruncated is returned when a record's out-of-line value slot
// cannot be resolved to an on-disk range or live handle.
var errRecordTruncated = errors.New("hlog: record value could not be resolved")

// DeviceError wraps a non-zero I/O completion code from a device
// operation. It is logged but never retried by the allocator; the page
// status machine still advances so a faulted flush or read does not
// deadlock the ring buffer.
type DeviceError struct {
	Op        string
	ErrorCode int
}

func (e *DeviceError) Error() string {
	return errors.Errorf("hlog: device error %d during %s", e.ErrorCode, e.Op).Error()
}

// NewDeviceError constructs a DeviceError for a non-zero completion code.
func NewDeviceError(op string, code int) *DeviceError {
	return &DeviceError{Op: op, ErrorCode: code}
}
