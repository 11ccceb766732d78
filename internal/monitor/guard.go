package monitor

import "sync"

// ActiveScanGuard ensures at most one scan per file key is in flight.
type ActiveScanGuard struct {
	active sync.Map
}

// TryAcquire marks key active. It returns false when key is already active.
func (g *ActiveScanGuard) TryAcquire(key string) bool {
	_, loaded := g.active.LoadOrStore(key, struct{}{})
	return !loaded
}

// Release clears key.
func (g *ActiveScanGuard) Release(key string) {
	g.active.Delete(key)
}

// Active reports whether key is being scanned.
func (g *ActiveScanGuard) Active(key string) bool {
	_, ok := g.active.Load(key)
	return ok
}

// Len returns the number of active scans.
func (g *ActiveScanGuard) Len() int {
	n := 0
	g.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
