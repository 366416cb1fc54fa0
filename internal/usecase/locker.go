package usecase

import (
	"context"
	"sync"

	"govchat-api/internal/domain"
)

// ErrConversationBusy is returned by lockers that reject instead of queueing.
var ErrConversationBusy = domain.ErrConversationBusy

// LocalLocker serializes requests per conversation handle within one
// process. Waiters queue until the holder releases or their context ends.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[domain.Handle]*handleLock
}

type handleLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[domain.Handle]*handleLock)}
}

// Acquire blocks until handle is free. The returned release func is safe to
// call more than once.
func (l *LocalLocker) Acquire(ctx context.Context, handle domain.Handle) (func(), error) {
	l.mu.Lock()
	hl, ok := l.locks[handle]
	if !ok {
		hl = &handleLock{sem: make(chan struct{}, 1)}
		l.locks[handle] = hl
	}
	hl.refs++
	l.mu.Unlock()

	select {
	case hl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(handle, hl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-hl.sem
			l.unref(handle, hl)
		})
	}, nil
}

func (l *LocalLocker) unref(handle domain.Handle, hl *handleLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hl.refs--
	if hl.refs == 0 {
		delete(l.locks, handle)
	}
}

