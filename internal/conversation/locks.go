// ABOUTME: Per-thread advisory locks so only one turn runs per thread at a time
// ABOUTME: Acquisition fails fast instead of queueing

package conversation

import (
	"sync"

	"github.com/google/uuid"
)

type threadLocks struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func newThreadLocks() *threadLocks {
	return &threadLocks{held: make(map[uuid.UUID]struct{})}
}

// tryLock acquires the lock for id. The returned release func is idempotent.
func (l *threadLocks) tryLock(id uuid.UUID) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, true
}

func (l *threadLocks) isLocked(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[id]
	return busy
}
