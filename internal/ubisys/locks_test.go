package ubisys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockFailFast(t *testing.T) {
	reg := NewDeviceLockRegistry()

	release, err := reg.TryLock(testIEEE)
	require.NoError(t, err)

	_, err = reg.TryLock(testIEEE)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	release()

	release2, err := reg.TryLock(testIEEE)
	require.NoError(t, err)
	release2()
}

func TestReleaseIdempotent(t *testing.T) {
	reg := NewDeviceLockRegistry()

	release, err := reg.TryLock(testIEEE)
	require.NoError(t, err)

	release()
	release() // second call must not panic or unlock someone else's hold

	release2, err := reg.TryLock(testIEEE)
	require.NoError(t, err)
	_, err = reg.TryLock(testIEEE)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
	release2()
}

func TestLockedQuery(t *testing.T) {
	reg := NewDeviceLockRegistry()

	assert.False(t, reg.Locked(testIEEE))

	release, err := reg.TryLock(testIEEE)
	require.NoError(t, err)
	assert.True(t, reg.Locked(testIEEE))

	release()
	assert.False(t, reg.Locked(testIEEE))
}

func TestDifferentDevicesIndependent(t *testing.T) {
	reg := NewDeviceLockRegistry()

	r1, err := reg.TryLock("AAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	defer r1()

	r2, err := reg.TryLock("BBBBBBBBBBBBBBBB")
	require.NoError(t, err)
	defer r2()
}

func TestLockedQueryNeverBlocksAcquisition(t *testing.T) {
	// Locked is a pure read: hammering it from another goroutine must not
	// cause a single TryLock on a free device to fail.
	reg := NewDeviceLockRegistry()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				reg.Locked(testIEEE)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		release, err := reg.TryLock(testIEEE)
		require.NoError(t, err)
		release()
	}

	close(stop)
	wg.Wait()
}

func TestTryLockConcurrent(t *testing.T) {
	reg := NewDeviceLockRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.TryLock(testIEEE); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Exactly one goroutine may win the race.
	assert.Equal(t, 1, acquired)
}
