// Package epoch implements the epoch-protection collaborator the log
// allocator consumes to bound the window during which a page slot may be
// referenced by concurrent readers/writers. The allocator never inspects
// epoch state directly -- it only calls Refresh, BumpCurrentEpoch, and
// registers safe-drain callbacks through this package's narrow surface.
package epoch

import (
	"sync"
	"sync/atomic"
)

const unprotected uint64 = 0

// TriggerAction is invoked once the current epoch has been confirmed safe
// by every protected thread, i.e. once every thread that could have seen
// an address below the new head has drained.
type TriggerAction func()

// Manager implements a minimal epoch-based reclamation scheme: a table of
// per-thread "current epoch" entries, a global counter, and a list of
// trigger actions that fire once all entries have caught up.
type Manager struct {
	currentEpoch uint64
	safeEpoch    uint64

	mu      sync.Mutex
	entries map[int64]*uint64 // threadID -> protected epoch (0 == unprotected)
	drain   []pendingTrigger
}

type pendingTrigger struct {
	epoch  uint64
	action TriggerAction
}

// NewManager creates an epoch manager starting at epoch 1 (0 is reserved
// for "unprotected").
func NewManager() *Manager {
	return &Manager{currentEpoch: 1, safeEpoch: 0, entries: make(map[int64]*uint64)}
}

// Protect marks the calling thread as observing the current epoch. It
// must be paired with Unprotect. Returns the epoch value observed, which
// the caller should treat as opaque.
func (m *Manager) Protect(threadID int64) uint64 {
	cur := atomic.LoadUint64(&m.currentEpoch)
	m.mu.Lock()
	e, ok := m.entries[threadID]
	if !ok {
		var v uint64
		e = &v
		m.entries[threadID] = e
	}
	m.mu.Unlock()
	atomic.StoreUint64(e, cur)
	return cur
}

// Unprotect marks the calling thread as no longer observing any epoch,
// allowing the safe epoch to advance past its last protected value.
func (m *Manager) Unprotect(threadID int64) {
	m.mu.Lock()
	e, ok := m.entries[threadID]
	m.mu.Unlock()
	if ok {
		atomic.StoreUint64(e, unprotected)
	}
}

// Refresh advances the calling thread's protected epoch to the current
// global epoch, then attempts to advance the safe epoch and fire any
// trigger actions whose epoch has become safe.
func (m *Manager) Refresh(threadID int64) {
	m.Protect(threadID)
	m.tryAdvanceSafeEpoch()
}

// BumpCurrentEpoch increments the global epoch and schedules action to
// run once every currently-protected thread has refreshed past the
// pre-bump epoch, i.e. once it is safe to assume no thread still holds a
// pointer acquired under the old epoch.
func (m *Manager) BumpCurrentEpoch(action TriggerAction) uint64 {
	prior := atomic.AddUint64(&m.currentEpoch, 1) - 1
	if action != nil {
		m.mu.Lock()
		m.drain = append(m.drain, pendingTrigger{epoch: prior, action: action})
		m.mu.Unlock()
	}
	m.tryAdvanceSafeEpoch()
	return prior + 1
}

// SafeEpoch returns the safe-epoch watermark: every epoch strictly below
// it is unobserved by any protected thread.
func (m *Manager) SafeEpoch() uint64 {
	return atomic.LoadUint64(&m.safeEpoch)
}

func (m *Manager) tryAdvanceSafeEpoch() {
	cur := atomic.LoadUint64(&m.currentEpoch)
	min := cur
	m.mu.Lock()
	for _, e := range m.entries {
		v := atomic.LoadUint64(e)
		if v != unprotected && v < min {
			min = v
		}
	}
	newSafe := min
	if newSafe == 0 {
		newSafe = cur
	}
	var fired []TriggerAction
	if newSafe > atomic.LoadUint64(&m.safeEpoch) {
		atomic.StoreUint64(&m.safeEpoch, newSafe)
		remaining := m.drain[:0]
		for _, t := range m.drain {
			if t.epoch < newSafe {
				fired = append(fired, t.action)
			} else {
				remaining = append(remaining, t)
			}
		}
		m.drain = remaining
	}
	m.mu.Unlock()
	for _, action := range fired {
		action()
	}
}
