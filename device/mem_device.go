package device

import "sync"

// MemDevice is an in-memory Device used by tests and the property suite.
// It supports injecting a fixed error code for the next N operations
// matching a predicate, to exercise the device-error-propagation
// scenario without a real faulty disk.
type MemDevice struct {
	sectorSize int

	mu       sync.Mutex
	dense    []byte
	segments map[int64][]byte

	faultsMu sync.Mutex
	faults   []fault
}

type fault struct {
	match func(segment int64, offset int64, isWrite bool) bool
	code  int
	uses  int
}

// NewMemDevice creates an in-memory device with the given sector size.
func NewMemDevice(sectorSize int) *MemDevice {
	return &MemDevice{
		sectorSize: sectorSize,
		segments:   make(map[int64][]byte),
	}
}

func (d *MemDevice) SectorSize() int { return d.sectorSize }

// InjectFault arranges for the next `uses` operations matching predicate
// to complete with the given non-zero error code instead of executing.
func (d *MemDevice) InjectFault(uses int, code int, match func(segment, offset int64, isWrite bool) bool) {
	d.faultsMu.Lock()
	defer d.faultsMu.Unlock()
	d.faults = append(d.faults, fault{match: match, code: code, uses: uses})
}

func (d *MemDevice) takeFault(segment, offset int64, isWrite bool) (int, bool) {
	d.faultsMu.Lock()
	defer d.faultsMu.Unlock()
	for i := range d.faults {
		f := &d.faults[i]
		if f.uses > 0 && f.match(segment, offset, isWrite) {
			f.uses--
			return f.code, true
		}
	}
	return 0, false
}

func (d *MemDevice) growDense(size int) {
	if len(d.dense) < size {
		grown := make([]byte, size)
		copy(grown, d.dense)
		d.dense = grown
	}
}

func (d *MemDevice) segment(id int64, size int) []byte {
	seg := d.segments[id]
	if len(seg) < size {
		grown := make([]byte, size)
		copy(grown, seg)
		seg = grown
		d.segments[id] = seg
	}
	return seg
}

func (d *MemDevice) WriteAsync(src []byte, fileOffset int64, cb Completion, ctx interface{}) {
	go func() {
		if code, hit := d.takeFault(-1, fileOffset, true); hit {
			cb(code, 0, ctx)
			return
		}
		d.mu.Lock()
		d.growDense(int(fileOffset) + len(src))
		n := copy(d.dense[fileOffset:], src)
		d.mu.Unlock()
		cb(0, int64(n), ctx)
	}()
}

func (d *MemDevice) ReadAsync(fileOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{}) {
	go func() {
		if code, hit := d.takeFault(-1, fileOffset, false); hit {
			cb(code, 0, ctx)
			return
		}
		d.mu.Lock()
		d.growDense(int(fileOffset) + nBytes)
		n := copy(dst[:nBytes], d.dense[fileOffset:fileOffset+int64(nBytes)])
		d.mu.Unlock()
		cb(0, int64(n), ctx)
	}()
}

func (d *MemDevice) WriteSegmentAsync(segment, segmentOffset int64, src []byte, cb Completion, ctx interface{}) {
	go func() {
		if code, hit := d.takeFault(segment, segmentOffset, true); hit {
			cb(code, 0, ctx)
			return
		}
		d.mu.Lock()
		seg := d.segment(segment, int(segmentOffset)+len(src))
		n := copy(seg[segmentOffset:], src)
		d.mu.Unlock()
		cb(0, int64(n), ctx)
	}()
}

func (d *MemDevice) ReadSegmentAsync(segment, segmentOffset int64, dst []byte, nBytes int, cb Completion, ctx interface{}) {
	go func() {
		if code, hit := d.takeFault(segment, segmentOffset, false); hit {
			cb(code, 0, ctx)
			return
		}
		d.mu.Lock()
		seg := d.segment(segment, int(segmentOffset)+nBytes)
		n := copy(dst[:nBytes], seg[segmentOffset:int(segmentOffset)+nBytes])
		d.mu.Unlock()
		cb(0, int64(n), ctx)
	}()
}

func (d *MemDevice) DeleteSegmentRange(fromSeg, toSeg int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := fromSeg; s < toSeg; s++ {
		delete(d.segments, s)
	}
	return nil
}

func (d *MemDevice) Close() error { return nil }
