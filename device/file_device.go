package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileDevice is a segmented, file-backed Device. The dense address space
// (used by the primary log) lives in a single file named by baseName; the
// segmented address space (used by the object log) lives in one file per
// segment, named "<baseName>.<segment>".
type FileDevice struct {
	dir        string
	baseName   string
	sectorSize int

	mu       sync.Mutex
	dense    *os.File
	segments map[int64]*os.File
	closed   bool
}

// NewFileDevice opens (creating if necessary) the dense backing file
// "<dir>/<baseName>" for a device with the given sector size, which must
// be a power of two.
func NewFileDevice(dir, baseName string, sectorSize int) (*FileDevice, error) {
	if sectorSize <= 0 || sectorSize&(sectorSize-1) != 0 {
		return nil, errors.Errorf("sector size %d is not a power of two", sectorSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating device directory")
	}
	dense, err := os.OpenFile(filepath.Join(dir, baseName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening dense log file")
	}
	return &FileDevice{
		dir:        dir,
		baseName:   baseName,
		sectorSize: sectorSize,
		dense:      dense,
		segments:   make(map[int64]*os.File),
	}, nil
}

func (d *FileDevice) SectorSize() int { return d.sectorSize }

func (d *FileDevice) segmentFile(segment int64) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if f, ok := d.segments[segment]; ok {
		return f, nil
	}
	name := filepath.Join(d.dir, fmt.Sprintf("%s.%d", d.baseName, segment))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening segment %d", segment)
	}
	d.segments[segment] = f
	return f, nil
}

func (d *FileDevice) WriteAsync(src []byte, fileOffset int64, cb Completion, ctx interface{}) {
	go func() {
		n, err := unix.Pwrite(int(d.dense.Fd()), src, fileOffset)
		d.complete(err, "pwrite dense", fileOffset, n, cb, ctx)
	}()
}

func (d *FileDevice) ReadAsync(fileOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{}) {
	go func() {
		n, err := unix.Pread(int(d.dense.Fd()), dst[:nBytes], fileOffset)
		d.complete(err, "pread dense", fileOffset, n, cb, ctx)
	}()
}

func (d *FileDevice) WriteSegmentAsync(segment, segmentOffset int64, src []byte, cb Completion, ctx interface{}) {
	go func() {
		f, err := d.segmentFile(segment)
		if err != nil {
			d.complete(err, "open segment for write", segmentOffset, 0, cb, ctx)
			return
		}
		n, err := unix.Pwrite(int(f.Fd()), src, segmentOffset)
		d.complete(err, "pwrite segment", segmentOffset, n, cb, ctx)
	}()
}

func (d *FileDevice) ReadSegmentAsync(segment, segmentOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{}) {
	go func() {
		f, err := d.segmentFile(segment)
		if err != nil {
			d.complete(err, "open segment for read", segmentOffset, 0, cb, ctx)
			return
		}
		n, err := unix.Pread(int(f.Fd()), dst[:nBytes], segmentOffset)
		d.complete(err, "pread segment", segmentOffset, n, cb, ctx)
	}()
}

func (d *FileDevice) complete(err error, op string, offset int64, n int, cb Completion, ctx interface{}) {
	if err != nil {
		log.WithFields(log.Fields{"op": op, "offset": offset}).WithError(err).Warn("device I/O failed")
		cb(errnoCode(err), int64(n), ctx)
		return
	}
	cb(0, int64(n), ctx)
}

func errnoCode(err error) int {
	if errno, ok := err.(unix.Errno); ok {
		return int(errno)
	}
	return -1
}

// DeleteSegmentRange removes the segment files for [fromSeg, toSeg).
func (d *FileDevice) DeleteSegmentRange(fromSeg, toSeg int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := fromSeg; s < toSeg; s++ {
		if f, ok := d.segments[s]; ok {
			_ = f.Close()
			delete(d.segments, s)
		}
		name := filepath.Join(d.dir, fmt.Sprintf("%s.%d", d.baseName, s))
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "deleting segment %d", s)
		}
	}
	return nil
}

// Preallocate reserves nBytes on the dense file, used when growing the
// primary log ahead of writes to avoid interleaved fragmentation.
func (d *FileDevice) Preallocate(nBytes int64) error {
	return unix.Fallocate(int(d.dense.Fd()), 0, 0, nBytes)
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	if err := d.dense.Close(); err != nil {
		firstErr = err
	}
	for _, f := range d.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
