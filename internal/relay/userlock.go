package relay

import (
	"context"
	"sync"
)

// userLocks serializes durable status writes per user. A lock is a
// one-slot channel so waiting can be bounded by a context.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

// lock blocks until userID's lock is held or ctx is done. The returned
// func releases it.
func (l *userLocks) lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.sem <- struct{}{}:
		return func() {
			<-ul.sem
			l.release(userID, ul)
		}, nil
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, ctx.Err()
	}
}

func (l *userLocks) release(userID int64, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}
