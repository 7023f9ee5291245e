package ubisys

import "sync"

// DeviceLockRegistry tracks which device IEEE addresses have a calibration
// in flight so at most one runs against a physical motor at a time. Held
// state lives in a map guarded by a single registry mutex; the set of
// devices is small and long-lived.
type DeviceLockRegistry struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewDeviceLockRegistry creates an empty registry.
func NewDeviceLockRegistry() *DeviceLockRegistry {
	return &DeviceLockRegistry{held: make(map[string]bool)}
}

// TryLock acquires the device's lock without blocking. A second request
// for a held device fails fast with ErrAlreadyInProgress instead of
// queueing: queueing a second motor command sequence risks mechanical
// damage. The returned release func is safe to call more than once.
func (r *DeviceLockRegistry) TryLock(ieee string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[ieee] {
		return nil, ErrAlreadyInProgress
	}
	r.held[ieee] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, ieee)
			r.mu.Unlock()
		})
	}
	return release, nil
}

// Locked reports whether a device's lock is currently held. It is a pure
// read of the held map and can never make a concurrent TryLock fail. The
// answer is advisory: it can be stale by the time the caller acts on it.
func (r *DeviceLockRegistry) Locked(ieee string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[ieee]
}
