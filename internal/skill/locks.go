package skill

import (
	"slices"
	"sync"
)

// pathLocks serializes file operations per absolute path across runs.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock takes every distinct path in sorted order and returns the release func.
func (p *pathLocks) lock(paths ...string) func() {
	keys := slices.Clone(paths)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*pathLock, 0, len(keys))
	for _, k := range keys {
		p.mu.Lock()
		l, ok := p.locks[k]
		if !ok {
			l = &pathLock{}
			p.locks[k] = l
		}
		l.refs++
		p.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		p.mu.Lock()
		for i, k := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(p.locks, k)
			}
		}
		p.mu.Unlock()
	}
}
