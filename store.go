package hlog

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/device"
	"github.com/Revolution1/hlog/pagehandler"
)

// superblockMagic identifies a directory as holding a page-resident log,
// written into the FIRST_VALID_ADDR prefix reserved at the front of page
// zero, the way the teacher's HeadPage occupied the front of its first
// page.
const superblockMagic uint32 = 0x474f4c48 // "HLOG" little-endian

const superblockVersion uint16 = 1

// superblock is the fixed layout of the reserved prefix of page zero.
// Its size must not exceed address.FirstValidAddress.
type superblock struct {
	Magic       uint32
	Version     uint16
	Compression config.CompressionKind
	_           uint8 // padding
	PageSize    uint32
	SectorSize  uint32
}

// encodeSuperblock writes s into the front of dst using the teacher's
// unsafe.Pointer struct-cast style (headPageInBuffer in db.go) rather than
// a field-by-field binary.Write.
func encodeSuperblock(dst []byte, s superblock) {
	*(*superblock)(unsafe.Pointer(&dst[0])) = s
}

func decodeSuperblock(src []byte) superblock {
	return *(*superblock)(unsafe.Pointer(&src[0]))
}

// superblockRegionSize is how many bytes are synchronously read from or
// written to the front of the log device to check for or persist a
// superblock, rounded up to a full sector.
func superblockRegionSize(sectorSize int) int {
	if sectorSize < int(address.FirstValidAddress) {
		return int(address.FirstValidAddress)
	}
	return sectorSize
}

// readSuperblock synchronously reads the front of the log device and
// decodes whatever superblock is there. A zero Magic means the device is
// unwritten -- either a brand new file or one truncated back to empty by
// the OS, both of which NewFileDevice's O_CREATE leaves as all zeros.
func readSuperblock(logDevice device.Device, sectorSize int) (superblock, error) {
	buf := make([]byte, superblockRegionSize(sectorSize))
	done := make(chan int, 1)
	logDevice.ReadAsync(0, buf, len(buf), func(code int, _ int64, _ interface{}) {
		done <- code
	}, nil)
	if code := <-done; code != 0 {
		return superblock{}, NewDeviceError("read superblock", code)
	}
	return decodeSuperblock(buf), nil
}

// writeSuperblock synchronously persists sb to the front of the log
// device so it survives even if the caller never flushes page zero.
func writeSuperblock(logDevice device.Device, sb superblock) error {
	buf := make([]byte, superblockRegionSize(logDevice.SectorSize()))
	encodeSuperblock(buf, sb)
	done := make(chan int, 1)
	logDevice.WriteAsync(buf, 0, func(code int, _ int64, _ interface{}) {
		done <- code
	}, nil)
	if code := <-done; code != 0 {
		return NewDeviceError("write superblock", code)
	}
	return nil
}

// ErrLockedByOther is returned by OpenStore when another process already
// holds the directory's exclusive lock.
var ErrLockedByOther = errors.New("hlog: log directory locked by another process")

// Store ties an Allocator to its backing devices and directory lock,
// mirroring the teacher's DB: Open acquires an exclusive advisory lock on
// the directory (flock in sys.go, reimplemented here over
// golang.org/x/sys/unix instead of raw syscall to match the rest of the
// device package) so two processes never share a log directory.
type Store struct {
	dir       string
	lockFile  *os.File
	Allocator *Allocator
	LogDevice device.Device
	ObjDevice device.Device
}

// OpenStore opens or initializes a page-resident log in dir. If the
// directory's superblock is absent, one is written into the reserved
// prefix of page zero using cfg. If present, its geometry must match cfg
// exactly.
func OpenStore(dir string, cfg config.Config, handler pagehandler.Handler) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening lock file")
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, ErrLockedByOther
		}
		return nil, errors.Wrap(err, "flock failed")
	}

	logDevice, err := device.NewFileDevice(dir, "log", cfg.SectorSize)
	if err != nil {
		_ = unlockAndClose(lockFile)
		return nil, err
	}
	var objDevice device.Device
	if cfg.UseObjectLog {
		fd, err := device.NewFileDevice(dir, "objects", cfg.SectorSize)
		if err != nil {
			_ = logDevice.Close()
			_ = unlockAndClose(lockFile)
			return nil, err
		}
		objDevice = fd
	}

	// The superblock's presence must be checked against what is actually
	// durable on the log device, not against the freshly-constructed
	// Allocator's in-memory page zero (which starts out zeroed on every
	// open, resident or not).
	existing, err := readSuperblock(logDevice, cfg.SectorSize)
	if err != nil {
		_ = logDevice.Close()
		if objDevice != nil {
			_ = objDevice.Close()
		}
		_ = unlockAndClose(lockFile)
		return nil, err
	}
	if existing.Magic != 0 && existing.Magic != superblockMagic {
		_ = logDevice.Close()
		if objDevice != nil {
			_ = objDevice.Close()
		}
		_ = unlockAndClose(lockFile)
		return nil, errors.New("hlog: not a page-resident log directory")
	}
	if existing.Magic == superblockMagic && (existing.PageSize != uint32(cfg.PageSize) || existing.SectorSize != uint32(cfg.SectorSize)) {
		_ = logDevice.Close()
		if objDevice != nil {
			_ = objDevice.Close()
		}
		_ = unlockAndClose(lockFile)
		return nil, errors.New("hlog: configured geometry does not match existing superblock")
	}

	alloc, err := NewAllocator(cfg, logDevice, objDevice, handler)
	if err != nil {
		_ = logDevice.Close()
		if objDevice != nil {
			_ = objDevice.Close()
		}
		_ = unlockAndClose(lockFile)
		return nil, err
	}

	sb := superblock{
		Magic:       superblockMagic,
		Version:     superblockVersion,
		Compression: cfg.Compression,
		PageSize:    uint32(cfg.PageSize),
		SectorSize:  uint32(cfg.SectorSize),
	}
	// Mirror the superblock into the resident copy of page zero so a
	// caller that flushes page zero writes it out unchanged, and write it
	// to the log device directly so it is durable even if page zero is
	// never flushed.
	page0 := alloc.PhysicalSlice(0)
	encodeSuperblock(page0[:address.FirstValidAddress], sb)
	if existing.Magic == 0 {
		if err := writeSuperblock(logDevice, sb); err != nil {
			_ = logDevice.Close()
			if objDevice != nil {
				_ = objDevice.Close()
			}
			_ = unlockAndClose(lockFile)
			return nil, err
		}
	}

	return &Store{
		dir:       dir,
		lockFile:  lockFile,
		Allocator: alloc,
		LogDevice: logDevice,
		ObjDevice: objDevice,
	}, nil
}

// Close flushes nothing implicitly -- callers are responsible for
// flushing any pages they need durable -- and releases the directory
// lock and device file handles.
func (s *Store) Close() error {
	var firstErr error
	if err := s.LogDevice.Close(); err != nil {
		firstErr = err
	}
	if s.ObjDevice != nil {
		if err := s.ObjDevice.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unlockAndClose(s.lockFile); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func unlockAndClose(f *os.File) error {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
