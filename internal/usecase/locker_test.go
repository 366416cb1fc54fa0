package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govchat-api/internal/domain"
)

func lockRefs(l *LocalLocker, handle domain.Handle) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hl, ok := l.locks[handle]; ok {
		return hl.refs
	}
	return 0
}

func TestLocalLocker_SerializesSameHandle(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "thread_1")
			require.NoError(t, err)
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Zero(t, lockRefs(l, "thread_1"), "entries are dropped once nobody holds them")
}

func TestLocalLocker_DifferentHandlesDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	releaseA, err := l.Acquire(context.Background(), "thread_a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := l.Acquire(ctx, "thread_b")
	require.NoError(t, err)
	releaseB()
}

func TestLocalLocker_WaiterHonorsContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "thread_1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, lockRefs(l, "thread_1"))

	release()
	release() // idempotent
	require.Zero(t, lockRefs(l, "thread_1"))

	again, err := l.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_WaiterProceedsAfterRelease(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "thread_1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "thread_1")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second request must wait for the first")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
