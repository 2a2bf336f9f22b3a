package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_MutualExclusion(t *testing.T) {
	manager := NewManager(nil)

	var holders atomic.Int32
	var maxHolders atomic.Int32
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if !assert.NoError(t, manager.Acquire(context.Background(), PackageOperation)) {
				return
			}
			current := holders.Add(1)
			for {
				seen := maxHolders.Load()
				if current <= seen || maxHolders.CompareAndSwap(seen, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			manager.Release(PackageOperation)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxHolders.Load())
}

func TestManager_PermitsAreIndependent(t *testing.T) {
	manager := NewManager(nil)

	require.NoError(t, manager.Acquire(context.Background(), PackageOperation))
	defer manager.Release(PackageOperation)

	assert.True(t, manager.TryAcquire(Sideload))
	assert.True(t, manager.TryAcquire(Download))
	assert.False(t, manager.TryAcquire(PackageOperation))

	manager.Release(Sideload)
	manager.Release(Download)
}

func TestManager_FIFO(t *testing.T) {
	manager := NewManager(nil)
	require.NoError(t, manager.Acquire(context.Background(), Sideload))

	var mu sync.Mutex
	var served []int
	var wg sync.WaitGroup

	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, manager.Acquire(context.Background(), Sideload)) {
				return
			}
			mu.Lock()
			served = append(served, i)
			mu.Unlock()
			manager.Release(Sideload)
		}()
		// let waiter i queue before the next one arrives
		time.Sleep(10 * time.Millisecond)
	}

	manager.Release(Sideload)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, served)
}

func TestManager_CancelledWaiterLeavesQueue(t *testing.T) {
	manager := NewManager(nil)
	require.NoError(t, manager.Acquire(context.Background(), Download))

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() { cancelled <- manager.Acquire(ctx, Download) }()

	time.Sleep(10 * time.Millisecond)

	acquired := make(chan error, 1)
	go func() { acquired <- manager.Acquire(context.Background(), Download) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, errs.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter stayed blocked")
	}

	manager.Release(Download)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter behind the cancelled one was never served")
	}
	manager.Release(Download)
}

func TestManager_AcquireAllRollsBack(t *testing.T) {
	manager := NewManager(nil)
	require.NoError(t, manager.Acquire(context.Background(), Download))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := manager.AcquireAll(ctx, Download, PackageOperation)
	assert.ErrorIs(t, err, errs.ErrCancelled)

	assert.True(t, manager.TryAcquire(PackageOperation))
	manager.Release(PackageOperation)
	manager.Release(Download)
}

func TestManager_WithReleasesOnError(t *testing.T) {
	manager := NewManager(nil)
	boom := errors.New("boom")

	err := manager.With(context.Background(), func(ctx context.Context) error {
		assert.False(t, manager.TryAcquire(PackageOperation))
		assert.False(t, manager.TryAcquire(Sideload))
		return boom
	}, Sideload, PackageOperation)
	assert.ErrorIs(t, err, boom)

	assert.True(t, manager.TryAcquire(PackageOperation))
	assert.True(t, manager.TryAcquire(Sideload))
}

func TestCanonicalOrder(t *testing.T) {
	assert.Equal(t, []Kind{PackageOperation, Sideload, Download}, canonical([]Kind{Download, PackageOperation, Sideload}))
	assert.Equal(t, []Kind{Sideload}, canonical([]Kind{Sideload, Sideload}))
}

func TestManager_UnknownPermit(t *testing.T) {
	manager := NewManager(nil)
	assert.Error(t, manager.Acquire(context.Background(), Kind("bandwidth")))
	assert.False(t, manager.TryAcquire(Kind("bandwidth")))
}
