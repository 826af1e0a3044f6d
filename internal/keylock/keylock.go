// Package keylock provides striped mutexes keyed by string, so operations on
// the same identity or room serialize without one global lock.
package keylock

import (
	"hash/fnv"
	"sync"
)

type Striped struct {
	locks []sync.Mutex
}

func New(stripes int) *Striped {
	if stripes < 1 {
		stripes = 1
	}
	return &Striped{locks: make([]sync.Mutex, stripes)}
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.locks)))
}

func (s *Striped) Lock(key string) {
	s.locks[s.index(key)].Lock()
}

func (s *Striped) Unlock(key string) {
	s.locks[s.index(key)].Unlock()
}
