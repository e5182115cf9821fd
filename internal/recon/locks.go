package recon

import "sync"

// RouterLocks serializes device access per router. Most management
// protocols are single-session command channels, so at most one writer
// may be in flight per router; overlapping runs queue on the lock rather
// than interleave. Read-only telemetry takes the read side and may run
// alongside other reads, but never alongside a write.
type RouterLocks struct {
	mu sync.Mutex
	m  map[uint]*sync.RWMutex
}

func NewRouterLocks() *RouterLocks {
	return &RouterLocks{m: make(map[uint]*sync.RWMutex)}
}

func (l *RouterLocks) ForRouter(id uint) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.RWMutex{}
		l.m[id] = lk
	}
	return lk
}
