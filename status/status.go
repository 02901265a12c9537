// Package status implements the packed (flushStatus, closeStatus) word
// that drives page slot lifecycle transitions via compare-and-swap. The
// two sub-fields are never touched by independent atomics: every
// transition reads the whole word, computes the new whole word, and CASes
// it in one step, so "who saw Closed first" races between the flush
// completion path and the eviction path resolve without locks.
package status

import "sync/atomic"

// FlushStatus is the flush half of a packed page status word.
type FlushStatus uint16

const (
	Flushed FlushStatus = iota
	FlushInProgress
)

func (f FlushStatus) String() string {
	if f == Flushed {
		return "Flushed"
	}
	return "InProgress"
}

// CloseStatus is the close half of a packed page status word. Closed and
// Cleared are deliberately distinct states: Closed means eviction has
// been requested and the responsible thread (whichever of
// CompleteFlush/RequestClose observed the other half already at its
// terminal value) is running clearPage; Cleared means that clearPage
// call has actually finished and the slot may be reused. Collapsing
// these into one state would let a concurrent Allocate observe
// ReusableEmpty as true while clearPage is still running on the old
// page's contents.
type CloseStatus uint16

const (
	Open CloseStatus = iota
	Closed
	Cleared
)

func (c CloseStatus) String() string {
	switch c {
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	default:
		return "Cleared"
	}
}

// Packed is the (flush, close) pair encoded into a single 32-bit word so
// it can be updated with one CAS. The low 16 bits hold FlushStatus, the
// high 16 bits hold CloseStatus.
type Packed uint32

// Pack combines a flush and close status into one word.
func Pack(f FlushStatus, c CloseStatus) Packed {
	return Packed(uint32(f) | uint32(c)<<16)
}

// Flush extracts the flush half.
func (p Packed) Flush() FlushStatus {
	return FlushStatus(uint32(p) & 0xFFFF)
}

// Close extracts the close half.
func (p Packed) Close() CloseStatus {
	return CloseStatus(uint32(p) >> 16)
}

// ReusableEmpty reports whether the packed status is (Flushed, Cleared),
// the only state in which a slot may be handed to allocatePage for a new
// page. A slot at (Flushed, Closed) has been evicted but not yet
// zero-cleared and must not be treated as reusable.
func (p Packed) ReusableEmpty() bool {
	return p.Flush() == Flushed && p.Close() == Cleared
}

func (p Packed) String() string {
	return "(" + p.Flush().String() + ", " + p.Close().String() + ")"
}

// Word is an atomically-updated packed status, one per page slot.
type Word struct {
	v uint32
}

// NewWord creates a Word initialized to the given packed value.
func NewWord(initial Packed) *Word {
	return &Word{v: uint32(initial)}
}

// Load reads the current packed status.
func (w *Word) Load() Packed {
	return Packed(atomic.LoadUint32(&w.v))
}

// Store unconditionally sets the packed status. Used only at slot
// materialization time, before the slot is published to other threads.
func (w *Word) Store(p Packed) {
	atomic.StoreUint32(&w.v, uint32(p))
}

// CAS attempts to move the word from old to new, once. Callers must retry
// on failure by reloading the current value; the transition methods below
// (BeginFlush, CompleteFlush, RequestClose, PublishCleared) wrap it in
// their own retry loops.
func (w *Word) CAS(old, new Packed) bool {
	return atomic.CompareAndSwapUint32(&w.v, uint32(old), uint32(new))
}

// BeginFlush transitions Flushed -> InProgress. Returns false if the slot
// was not in the Flushed state (a flush is already running, or racing).
func (w *Word) BeginFlush() bool {
	for {
		cur := w.Load()
		if cur.Flush() != Flushed {
			return false
		}
		next := Pack(FlushInProgress, cur.Close())
		if w.CAS(cur, next) {
			return true
		}
	}
}

// CompleteFlush transitions InProgress -> Flushed, leaving the close
// half untouched. It returns the close status observed at the moment of
// the winning CAS: if that status is Closed, the caller is responsible
// for running clearPage and then calling PublishCleared -- the word does
// not report ReusableEmpty until that second CAS lands, per invariant
// I4.
func (w *Word) CompleteFlush() CloseStatus {
	for {
		cur := w.Load()
		next := Pack(Flushed, cur.Close())
		if w.CAS(cur, next) {
			return cur.Close()
		}
	}
}

// RequestClose transitions the close half Open -> Closed, leaving the
// flush half untouched, and returns the flush status observed at the
// moment of the winning CAS. If that status is already Flushed, the
// calling (eviction) thread is responsible for running clearPage and
// then calling PublishCleared itself, because the flush completer will
// never observe Closed to do it.
func (w *Word) RequestClose() FlushStatus {
	for {
		cur := w.Load()
		if cur.Close() != Open {
			return cur.Flush()
		}
		next := Pack(cur.Flush(), Closed)
		if w.CAS(cur, next) {
			return cur.Flush()
		}
	}
}

// PublishCleared transitions Closed -> Cleared, the final CAS that makes
// ReusableEmpty true. Callers must only call this after clearPage has
// actually finished running against the slot's buffer -- whichever of
// CompleteFlush/RequestClose observed the other half already at its
// terminal value is the sole thread responsible for calling this, so no
// retry-driven coordination with another caller is needed beyond
// tolerating a concurrent, unrelated flush half change.
func (w *Word) PublishCleared() {
	for {
		cur := w.Load()
		next := Pack(cur.Flush(), Cleared)
		if w.CAS(cur, next) {
			return
		}
	}
}
